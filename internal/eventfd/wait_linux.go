//go:build linux

package eventfd

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Wait blocks until at least one of evts is readable or timeout elapses. A
// negative timeout waits indefinitely. The result marks which handles are
// readable and is all false on timeout.
func Wait(timeout time.Duration, evts ...*EventFd) ([]bool, error) {
	fds := make([]unix.PollFd, len(evts))
	for i, evt := range evts {
		fd := evt.Fd()
		if fd < 0 {
			return nil, ErrClosed
		}
		fds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}

	ms := -1
	if timeout >= 0 {
		// Round up so short waits do not turn into a spin.
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	for {
		_, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("eventfd: poll: %w", err)
		}
		break
	}

	ready := make([]bool, len(fds))
	for i, fd := range fds {
		if fd.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return nil, fmt.Errorf("eventfd: poll fd %d: revents %#x", fd.Fd, fd.Revents)
		}
		ready[i] = fd.Revents&unix.POLLIN != 0
	}
	return ready, nil
}

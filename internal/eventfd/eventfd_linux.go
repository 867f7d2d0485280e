//go:build linux

package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// EventFd is a non-blocking eventfd. Writes add to the counter, reads
// return and clear it.
type EventFd struct {
	mu sync.Mutex
	fd int
}

// New creates a non-blocking, close-on-exec eventfd with a zero counter.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: create: %w", err)
	}
	return &EventFd{fd: fd}, nil
}

// Fd returns the raw descriptor, or -1 once closed.
func (e *EventFd) Fd() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fd
}

// Write adds v to the counter.
func (e *EventFd) Write(v uint64) error {
	fd := e.Fd()
	if fd < 0 {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd: write: %w", err)
	}
	return nil
}

// Read returns the counter and resets it to zero. It returns ErrWouldBlock
// when nothing has been written since the last read.
func (e *EventFd) Read() (uint64, error) {
	fd := e.Fd()
	if fd < 0 {
		return 0, ErrClosed
	}
	var buf [8]byte
	if _, err := unix.Read(fd, buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, fmt.Errorf("eventfd: read: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Clone duplicates the descriptor. Both handles share one counter.
func (e *EventFd) Clone() (*EventFd, error) {
	fd := e.Fd()
	if fd < 0 {
		return nil, ErrClosed
	}
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("eventfd: dup: %w", err)
	}
	return &EventFd{fd: dup}, nil
}

// Close releases the descriptor. Closing twice is a no-op.
func (e *EventFd) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

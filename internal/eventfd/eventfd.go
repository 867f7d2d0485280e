// Package eventfd wraps the Linux eventfd counter used as the signal handle
// between the virtio transport, the devices and the bus layer.
package eventfd

import "errors"

var (
	ErrUnsupported = errors.New("eventfd: unsupported on this platform")
	ErrClosed      = errors.New("eventfd: file descriptor closed")
	ErrWouldBlock  = errors.New("eventfd: counter is zero")
)

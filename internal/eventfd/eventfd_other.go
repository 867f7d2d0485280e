//go:build !linux

package eventfd

import "time"

// EventFd is only backed by a kernel object on Linux.
type EventFd struct{}

func New() (*EventFd, error) { return nil, ErrUnsupported }

func (e *EventFd) Fd() int { return -1 }

func (e *EventFd) Write(v uint64) error { return ErrUnsupported }

func (e *EventFd) Read() (uint64, error) { return 0, ErrUnsupported }

func (e *EventFd) Clone() (*EventFd, error) { return nil, ErrUnsupported }

func (e *EventFd) Close() error { return nil }

func Wait(timeout time.Duration, evts ...*EventFd) ([]bool, error) { return nil, ErrUnsupported }

//go:build unix

package hv

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Memory is an anonymous shared mapping used as guest RAM.
type Memory struct {
	Slice
}

// NewMemory maps size bytes of zeroed memory.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("guest memory size must be positive, got %d", size)
	}
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}
	return &Memory{Slice: mem}, nil
}

// Free unmaps the memory. The handle must not be used afterwards.
func (m *Memory) Free() error {
	if m.Slice == nil {
		return nil
	}
	err := unix.Munmap(m.Slice)
	m.Slice = nil
	return err
}

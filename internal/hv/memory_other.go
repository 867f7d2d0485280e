//go:build !unix

package hv

import "fmt"

// Memory is guest RAM backed by the Go heap.
type Memory struct {
	Slice
}

// NewMemory allocates size bytes of zeroed memory.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		return nil, fmt.Errorf("guest memory size must be positive, got %d", size)
	}
	return &Memory{Slice: make(Slice, size)}, nil
}

func (m *Memory) Free() error {
	m.Slice = nil
	return nil
}

package hv

import (
	"errors"
	"fmt"
	"io"
)

var ErrOutOfRange = errors.New("guest memory access out of range")

// GuestMemory provides access to guest physical memory. Handles are shared
// by pointer between the transport and the activated device, so copying a
// handle is cheap and every copy observes the same bytes.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	// Size is the number of addressable bytes starting at guest address 0.
	Size() uint64
}

// CheckedRange reports whether [addr, addr+length) fits inside mem.
func CheckedRange(mem GuestMemory, addr, length uint64) bool {
	if mem == nil {
		return false
	}
	end := addr + length
	if end < addr {
		return false
	}
	return end <= mem.Size()
}

// Slice is guest memory backed by an ordinary byte slice.
type Slice []byte

func (s Slice) Size() uint64 { return uint64(len(s)) }

func (s Slice) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || !CheckedRange(s, uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("read %d bytes at %#x: %w", len(p), off, ErrOutOfRange)
	}
	return copy(p, s[off:]), nil
}

func (s Slice) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || !CheckedRange(s, uint64(off), uint64(len(p))) {
		return 0, fmt.Errorf("write %d bytes at %#x: %w", len(p), off, ErrOutOfRange)
	}
	return copy(s[off:], p), nil
}

var _ GuestMemory = Slice(nil)

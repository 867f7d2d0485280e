package pci

import (
	"fmt"
	"sync"
)

// AddressAllocator hands out guest physical ranges for BARs.
type AddressAllocator interface {
	// Allocate returns the base of a free range of size bytes aligned to
	// align, or an error when the window cannot fit it.
	Allocate(size, align uint64) (uint64, error)
}

// Allocation is one range handed out by a LinearAllocator.
type Allocation struct {
	Base uint64
	Size uint64
}

// LinearAllocator carves ranges out of a fixed MMIO window in ascending
// order. Ranges are never returned to the window.
type LinearAllocator struct {
	mu sync.Mutex

	base uint64
	end  uint64
	next uint64

	allocations []Allocation
}

// NewLinearAllocator creates an allocator over [base, base+size).
func NewLinearAllocator(base, size uint64) *LinearAllocator {
	return &LinearAllocator{
		base: base,
		end:  base + size,
		next: base,
	}
}

// Allocate implements AddressAllocator.
func (a *LinearAllocator) Allocate(size, align uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return 0, fmt.Errorf("allocate zero-size range: %w", ErrAddressSpaceExhausted)
	}
	if align == 0 {
		align = 0x1000
	}
	if !isPowerOfTwo(align) {
		return 0, fmt.Errorf("alignment %#x is not a power of two", align)
	}

	start := alignUp(a.next, align)
	if start < a.next || start+size < start || start+size > a.end {
		return 0, fmt.Errorf("%#x bytes aligned to %#x in [%#x, %#x): %w",
			size, align, a.base, a.end, ErrAddressSpaceExhausted)
	}

	a.next = start + size
	a.allocations = append(a.allocations, Allocation{Base: start, Size: size})
	return start, nil
}

// Allocations returns a copy of every range handed out so far.
func (a *LinearAllocator) Allocations() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]Allocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

// BarAlignment is the alignment used when allocating a BAR of size bytes.
func BarAlignment(size uint64) uint64 {
	if isPowerOfTwo(size) {
		return size
	}
	return 0x1000
}

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

var _ AddressAllocator = (*LinearAllocator)(nil)

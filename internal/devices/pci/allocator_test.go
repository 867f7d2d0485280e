package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearAllocator(t *testing.T) {
	assert := assert.New(t)

	a := NewLinearAllocator(0xe000_1000, 0x10000)

	addr, err := a.Allocate(0x4000, BarAlignment(0x4000))
	assert.NoError(err)
	assert.Equal(uint64(0xe000_4000), addr)

	addr, err = a.Allocate(0x1800, BarAlignment(0x1800))
	assert.NoError(err)
	assert.Equal(uint64(0xe000_8000), addr)

	_, err = a.Allocate(0x8000, BarAlignment(0x8000))
	assert.ErrorIs(err, ErrAddressSpaceExhausted)

	_, err = a.Allocate(0, 0)
	assert.ErrorIs(err, ErrAddressSpaceExhausted)

	_, err = a.Allocate(0x10, 3)
	assert.Error(err)

	assert.Equal([]Allocation{
		{Base: 0xe000_4000, Size: 0x4000},
		{Base: 0xe000_8000, Size: 0x1800},
	}, a.Allocations())
}

func TestBarAlignment(t *testing.T) {
	assert.Equal(t, uint64(0x4000), BarAlignment(0x4000))
	assert.Equal(t, uint64(0x1000), BarAlignment(0x3000))
}

package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusInsertOverlap(t *testing.T) {
	assert := assert.New(t)

	b := NewBus()
	assert.NoError(b.Insert(newFakeDevice(), 0x1000, 0x1000))
	assert.NoError(b.Insert(newFakeDevice(), 0x3000, 0x1000))
	assert.NoError(b.Insert(newFakeDevice(), 0x2000, 0x1000))

	assert.ErrorIs(b.Insert(newFakeDevice(), 0x1800, 0x100), ErrBusOverlap)
	assert.ErrorIs(b.Insert(newFakeDevice(), 0x0800, 0x1000), ErrBusOverlap)
	assert.ErrorIs(b.Insert(newFakeDevice(), 0x3fff, 0x10), ErrBusOverlap)
	assert.ErrorIs(b.Insert(newFakeDevice(), 0x5000, 0), ErrBusRangeInvalid)
	assert.ErrorIs(b.Insert(newFakeDevice(), ^uint64(0), 2), ErrBusRangeInvalid)
}

func TestBusDispatch(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	b := NewBus()
	low, high := newFakeDevice(), newFakeDevice()
	require.NoError(b.Insert(low, 0x1000, 0x1000))
	require.NoError(b.Insert(high, 0x4000, 0x100))

	data := make([]byte, 2)
	assert.True(b.Read(0x1010, data))
	assert.Equal([]byte{0x10, 0x11}, data)
	assert.Equal([]uint64{0x10}, low.reads)

	assert.True(b.Write(0x40ff, []byte{7}))
	assert.Equal([]byte{7}, high.writes[0xff])

	assert.False(b.Read(0x2000, data))
	assert.False(b.Write(0x4100, data))
	assert.False(b.Read(0x0fff, data))
}

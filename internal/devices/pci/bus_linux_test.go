//go:build linux

package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vpci/internal/eventfd"
)

func TestBusIoEvent(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	evt, err := eventfd.New()
	require.NoError(err)
	defer evt.Close()

	b := NewBus()
	dev := newFakeDevice()
	require.NoError(b.Insert(dev, 0x1000, 0x4000))
	require.NoError(b.RegisterIoEvent(IoEvent{Evt: evt, Addr: 0x4004, Datamatch: 1}))
	assert.ErrorIs(b.RegisterIoEvent(IoEvent{Evt: evt, Addr: 0x4004, Datamatch: 1}), ErrIoEventExists)

	assert.True(b.Write(0x4004, []byte{1, 0}))
	v, err := evt.Read()
	require.NoError(err)
	assert.Equal(uint64(1), v)
	assert.Empty(dev.writes)

	assert.True(b.Write(0x4004, []byte{2, 0}), "mismatched datamatch falls through to the device")
	assert.Equal([]byte{2, 0}, dev.writes[0x3004])
	_, err = evt.Read()
	assert.ErrorIs(err, eventfd.ErrWouldBlock)

	require.NoError(b.Close())
	assert.NoError(evt.Write(1), "caller keeps its own descriptor")
}

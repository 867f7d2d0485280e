//go:build unix

package hv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMapping(t *testing.T) {
	assert := assert.New(t)

	mem, err := NewMemory(1 << 16)
	require.NoError(t, err)
	defer mem.Free()

	assert.Equal(uint64(1<<16), mem.Size())
	_, err = mem.WriteAt([]byte{0xaa}, 0x8000)
	assert.NoError(err)

	buf := make([]byte, 1)
	_, err = mem.ReadAt(buf, 0x8000)
	assert.NoError(err)
	assert.Equal(byte(0xaa), buf[0])

	_, err = NewMemory(0)
	assert.Error(err)
}

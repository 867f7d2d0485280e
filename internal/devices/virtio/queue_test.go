package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vpci/internal/hv"
)

// testRing lays out a split virtqueue in a flat guest memory.
type testRing struct {
	mem   hv.Slice
	desc  uint64
	avail uint64
	used  uint64
	size  uint16
}

func newTestRing(size uint16) *testRing {
	return &testRing{
		mem:   make(hv.Slice, 0x20000),
		desc:  0x1000,
		avail: 0x4000,
		used:  0x6000,
		size:  size,
	}
}

func (r *testRing) queue(maxSize uint16) Queue {
	q := NewQueue(maxSize)
	q.Size = r.size
	q.Ready = true
	q.DescTable = r.desc
	q.AvailRing = r.avail
	q.UsedRing = r.used
	return q
}

func (r *testRing) setDesc(i uint16, d Descriptor) {
	b := r.mem[r.desc+uint64(i)*16:]
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func (r *testRing) publish(head uint16) {
	idx := binary.LittleEndian.Uint16(r.mem[r.avail+2:])
	slot := r.avail + 4 + uint64(idx%r.size)*2
	binary.LittleEndian.PutUint16(r.mem[slot:], head)
	binary.LittleEndian.PutUint16(r.mem[r.avail+2:], idx+1)
}

func (r *testRing) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.used+2:])
}

func (r *testRing) usedElem(i uint16) (id, length uint32) {
	b := r.mem[r.used+4+uint64(i%r.size)*8:]
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8])
}

func TestQueueIsValid(t *testing.T) {
	ring := newTestRing(16)
	small := make(hv.Slice, 0x4100)

	tests := []struct {
		name   string
		modify func(q *Queue)
		mem    hv.GuestMemory
		valid  bool
	}{
		{"configured", func(q *Queue) {}, ring.mem, true},
		{"not ready", func(q *Queue) { q.Ready = false }, ring.mem, false},
		{"zero size", func(q *Queue) { q.Size = 0 }, ring.mem, false},
		{"above max", func(q *Queue) { q.Size = 64 }, ring.mem, false},
		{"not power of two", func(q *Queue) { q.Size = 12 }, ring.mem, false},
		{"desc alignment", func(q *Queue) { q.DescTable += 8 }, ring.mem, false},
		{"avail alignment", func(q *Queue) { q.AvailRing++ }, ring.mem, false},
		{"used alignment", func(q *Queue) { q.UsedRing += 2 }, ring.mem, false},
		{"used outside memory", func(q *Queue) {}, small, false},
		{"desc wraps", func(q *Queue) { q.DescTable = ^uint64(0) &^ 0xf }, ring.mem, false},
		{"nil memory", func(q *Queue) {}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := ring.queue(32)
			tt.modify(&q)
			assert.Equal(t, tt.valid, q.IsValid(tt.mem))
		})
	}
}

func TestQueueReset(t *testing.T) {
	q := newTestRing(16).queue(32)
	q.nextAvail = 3
	q.nextUsed = 2

	q.Reset()
	assert.Equal(t, NewQueue(32), q)
	assert.False(t, q.Ready)
	assert.Equal(t, uint16(32), q.Size)
}

func TestQueuePopAndAddUsed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	ring := newTestRing(8)
	q := ring.queue(8)

	chain, err := q.Pop(ring.mem)
	require.NoError(err)
	assert.Nil(chain, "empty ring")

	ring.setDesc(2, Descriptor{Addr: 0x8000, Len: 16, Flags: virtqDescFNext, Next: 5})
	ring.setDesc(5, Descriptor{Addr: 0x9000, Len: 32, Flags: virtqDescFWrite})
	ring.publish(2)

	chain, err = q.Pop(ring.mem)
	require.NoError(err)
	require.NotNil(chain)
	assert.Equal(uint16(2), chain.Head)
	assert.Len(chain.Descriptors, 2)
	assert.Equal(uint32(32), chain.WritableLen())
	assert.True(chain.Descriptors[1].IsWrite())

	require.NoError(q.AddUsed(ring.mem, chain.Head, 32))
	assert.Equal(uint16(1), ring.usedIdx())
	id, length := ring.usedElem(0)
	assert.Equal(uint32(2), id)
	assert.Equal(uint32(32), length)

	chain, err = q.Pop(ring.mem)
	require.NoError(err)
	assert.Nil(chain)
}

func TestQueuePopErrors(t *testing.T) {
	assert := assert.New(t)

	ring := newTestRing(4)
	q := ring.queue(4)

	ring.setDesc(0, Descriptor{Addr: 0x8000, Len: 1, Flags: virtqDescFNext, Next: 0})
	ring.publish(0)
	chain, err := q.Pop(ring.mem)
	assert.ErrorIs(err, ErrDescriptorLoop)
	require.NotNil(t, chain, "a malformed chain is still consumed")
	assert.Equal(uint16(0), chain.Head)

	ring.publish(9)
	chain, err = q.Pop(ring.mem)
	assert.ErrorIs(err, ErrDescriptorIndex)
	require.NotNil(t, chain)
	assert.Equal(uint16(9), chain.Head)
	assert.Empty(chain.Descriptors)

	chain, err = q.Pop(ring.mem)
	assert.NoError(err)
	assert.Nil(chain, "both malformed chains were consumed")

	var off Queue
	_, err = off.Pop(ring.mem)
	assert.ErrorIs(err, ErrQueueNotReady)
	assert.ErrorIs(off.AddUsed(ring.mem, 0, 0), ErrQueueNotReady)
}

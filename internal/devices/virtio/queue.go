package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vpci/internal/hv"
)

const (
	virtqDescFNext  = 1
	virtqDescFWrite = 2

	virtqDescSize     = 16
	virtqUsedElemSize = 8
	virtqRingHeader   = 4
	virtqRingEvent    = 2
)

// Descriptor is one entry of a descriptor table.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// IsWrite reports whether the device may write to the buffer.
func (d Descriptor) IsWrite() bool { return d.Flags&virtqDescFWrite != 0 }

func (d Descriptor) hasNext() bool { return d.Flags&virtqDescFNext != 0 }

// DescriptorChain is the set of buffers the driver published under one
// available ring entry.
type DescriptorChain struct {
	Head        uint16
	Descriptors []Descriptor
}

// WritableLen is the number of bytes the device may write.
func (c *DescriptorChain) WritableLen() uint32 {
	var n uint32
	for _, d := range c.Descriptors {
		if d.IsWrite() {
			n += d.Len
		}
	}
	return n
}

// Queue is the device side of one split virtqueue. It is a plain value:
// copying a Queue copies its configuration and ring cursors.
type Queue struct {
	MaxSize uint16
	Size    uint16
	Ready   bool

	DescTable uint64
	AvailRing uint64
	UsedRing  uint64

	nextAvail uint16
	nextUsed  uint16
}

// NewQueue returns a disabled queue sized to maxSize.
func NewQueue(maxSize uint16) Queue {
	return Queue{MaxSize: maxSize, Size: maxSize}
}

// Reset returns the queue to the state NewQueue produced.
func (q *Queue) Reset() {
	*q = NewQueue(q.MaxSize)
}

// IsValid reports whether the driver configured the queue so that every ring
// lies inside mem with the required alignment.
func (q *Queue) IsValid(mem hv.GuestMemory) bool {
	size := uint64(q.Size)
	switch {
	case !q.Ready:
		return false
	case q.Size == 0 || q.Size > q.MaxSize || q.Size&(q.Size-1) != 0:
		return false
	case q.DescTable&0xf != 0 || q.AvailRing&0x1 != 0 || q.UsedRing&0x3 != 0:
		return false
	case !hv.CheckedRange(mem, q.DescTable, size*virtqDescSize):
		return false
	case !hv.CheckedRange(mem, q.AvailRing, virtqRingHeader+size*2+virtqRingEvent):
		return false
	case !hv.CheckedRange(mem, q.UsedRing, virtqRingHeader+size*virtqUsedElemSize+virtqRingEvent):
		return false
	}
	return true
}

// Pop returns the next chain published by the driver, or nil when the
// available ring holds nothing new. A malformed chain is still consumed: the
// error comes back with a chain holding its head and the descriptors read so
// far, so the caller can return it to the driver.
func (q *Queue) Pop(mem hv.GuestMemory) (*DescriptorChain, error) {
	if !q.Ready || q.Size == 0 {
		return nil, ErrQueueNotReady
	}

	availIdx, err := readUint16(mem, q.AvailRing+2)
	if err != nil {
		return nil, err
	}
	if availIdx == q.nextAvail {
		return nil, nil
	}

	slot := uint64(q.nextAvail % q.Size)
	head, err := readUint16(mem, q.AvailRing+virtqRingHeader+slot*2)
	if err != nil {
		return nil, err
	}
	q.nextAvail++

	chain := &DescriptorChain{Head: head}
	index := head
	for i := uint16(0); i < q.Size; i++ {
		desc, err := q.readDescriptor(mem, index)
		if err != nil {
			return chain, fmt.Errorf("head %d: %w", head, err)
		}
		chain.Descriptors = append(chain.Descriptors, desc)
		if !desc.hasNext() {
			return chain, nil
		}
		index = desc.Next
	}
	return chain, fmt.Errorf("head %d: %w", head, ErrDescriptorLoop)
}

// AddUsed publishes head as consumed with length bytes written.
func (q *Queue) AddUsed(mem hv.GuestMemory, head uint16, length uint32) error {
	if !q.Ready || q.Size == 0 {
		return ErrQueueNotReady
	}

	var elem [virtqUsedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	slot := uint64(q.nextUsed % q.Size)
	if err := writeGuest(mem, q.UsedRing+virtqRingHeader+slot*virtqUsedElemSize, elem[:]); err != nil {
		return err
	}

	q.nextUsed++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.nextUsed)
	return writeGuest(mem, q.UsedRing+2, idx[:])
}

func (q *Queue) readDescriptor(mem hv.GuestMemory, index uint16) (Descriptor, error) {
	if index >= q.Size {
		return Descriptor{}, fmt.Errorf("index %d, size %d: %w", index, q.Size, ErrDescriptorIndex)
	}
	var buf [virtqDescSize]byte
	if err := readGuest(mem, q.DescTable+uint64(index)*virtqDescSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

func readGuest(mem hv.GuestMemory, addr uint64, buf []byte) error {
	if !hv.CheckedRange(mem, addr, uint64(len(buf))) {
		return fmt.Errorf("virtio: read %d bytes at %#x: %w", len(buf), addr, hv.ErrOutOfRange)
	}
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest memory read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func writeGuest(mem hv.GuestMemory, addr uint64, data []byte) error {
	if !hv.CheckedRange(mem, addr, uint64(len(data))) {
		return fmt.Errorf("virtio: write %d bytes at %#x: %w", len(data), addr, hv.ErrOutOfRange)
	}
	n, err := mem.WriteAt(data, int64(addr))
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest memory write (want %d, got %d)", len(data), n)
	}
	return nil
}

func readUint16(mem hv.GuestMemory, addr uint64) (uint16, error) {
	var buf [2]byte
	if err := readGuest(mem, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

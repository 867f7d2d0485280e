package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/virtio"
	"github.com/tinyrange/vpci/internal/eventfd"
	"github.com/tinyrange/vpci/internal/hv"
)

var (
	ErrFeaturesRejected = errors.New("vmm: device rejected features")
	ErrNoInterrupt      = errors.New("vmm: interrupt status not raised")
	ErrNoUsedBuffer     = errors.New("vmm: device returned no buffer")
)

// Offsets of the single queue layout used by RequestEntropy, relative to the
// base address handed in.
const (
	requestQueueSize = 8
	requestDescOff   = 0x000
	requestAvailOff  = 0x100
	requestUsedOff   = 0x200
	requestBufferOff = 0x1000

	descFlagWrite = 2
)

// RequestEntropy brings the device up from reset, offers one device-writable
// buffer of n bytes at base+0x1000 on queue 0 and returns what the device
// wrote into it. The device is left active.
func (d *Driver) RequestEntropy(ctx context.Context, mem hv.GuestMemory, irq *eventfd.EventFd, base uint64, n uint32) ([]byte, error) {
	if !hv.CheckedRange(mem, base, requestBufferOff+uint64(n)) {
		return nil, fmt.Errorf("request at %#x+%#x: %w", base, n, hv.ErrOutOfRange)
	}

	d.Reset()
	d.SetStatus(virtio.DEVICE_ACKNOWLEDGE)
	d.SetStatus(virtio.DEVICE_ACKNOWLEDGE | virtio.DEVICE_DRIVER)
	d.NegotiateFeatures()
	d.SetStatus(virtio.DEVICE_ACKNOWLEDGE | virtio.DEVICE_DRIVER | virtio.DEVICE_FEATURES_OK)
	if d.Status()&virtio.DEVICE_FEATURES_OK == 0 {
		return nil, ErrFeaturesRejected
	}

	size := min(uint16(requestQueueSize), d.QueueSize(0))
	desc, avail, used := base+requestDescOff, base+requestAvailOff, base+requestUsedOff
	buffer := base + requestBufferOff

	// Clear the rings so stale indices from an earlier run are not seen.
	if _, err := mem.WriteAt(make([]byte, requestBufferOff), int64(base)); err != nil {
		return nil, err
	}
	var entry [16]byte
	binary.LittleEndian.PutUint64(entry[0:], buffer)
	binary.LittleEndian.PutUint32(entry[8:], n)
	binary.LittleEndian.PutUint16(entry[12:], descFlagWrite)
	if _, err := mem.WriteAt(entry[:], int64(desc)); err != nil {
		return nil, err
	}
	// flags 0, idx 1, ring[0] = descriptor 0
	var ring [6]byte
	binary.LittleEndian.PutUint16(ring[2:], 1)
	if _, err := mem.WriteAt(ring[:], int64(avail)); err != nil {
		return nil, err
	}

	if err := d.SetupQueue(0, size, desc, avail, used); err != nil {
		return nil, err
	}
	d.SetStatus(virtio.DEVICE_ACKNOWLEDGE | virtio.DEVICE_DRIVER | virtio.DEVICE_FEATURES_OK | virtio.DEVICE_DRIVER_OK)
	d.Notify(0)

	if err := WaitInterrupt(ctx, irq); err != nil {
		return nil, fmt.Errorf("wait for interrupt: %w", err)
	}
	if uint32(d.ReadISR())&virtio.InterruptUsedRing == 0 {
		return nil, ErrNoInterrupt
	}

	var usedHdr [12]byte
	if _, err := mem.ReadAt(usedHdr[:], int64(used)); err != nil {
		return nil, err
	}
	if binary.LittleEndian.Uint16(usedHdr[2:]) == 0 {
		return nil, ErrNoUsedBuffer
	}
	written := min(binary.LittleEndian.Uint32(usedHdr[8:]), n)
	out := make([]byte, written)
	if _, err := mem.ReadAt(out, int64(buffer)); err != nil {
		return nil, err
	}
	return out, nil
}

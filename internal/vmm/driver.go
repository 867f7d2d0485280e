package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/devices/virtio"
	"github.com/tinyrange/vpci/internal/eventfd"
)

var (
	ErrNoDevice     = errors.New("vmm: no virtio function in slot")
	ErrMissingCap   = errors.New("vmm: virtio capability missing")
	ErrQueueTooLong = errors.New("vmm: queue size exceeds device maximum")
)

const (
	commandMemorySpace = 0x2
	statusCapList      = 0x10
	barMemTypeMask     = 0x6
	barMemType64       = 0x4
	barAddressMask     = ^uint64(0xf)
	interruptWaitSlice = 100 * time.Millisecond
)

// DiscoveredCap is a virtio capability found while walking configuration
// space.
type DiscoveredCap struct {
	Offset     int
	Cap        virtio.PciCap
	Multiplier uint32
	// Addr is the guest physical address the capability resolves to.
	Addr uint64
}

// Driver is a minimal guest side virtio driver. It only touches the device
// through the configuration ports and the MMIO bus, the way a guest kernel
// would.
type Driver struct {
	cio  *pci.ConfigIO
	bus  *pci.Bus
	slot uint8

	VendorID uint16
	DeviceID uint16
	Caps     []DiscoveredCap

	common uint64
	isr    uint64
	device uint64
	notify uint64
	mul    uint32
}

// NewDriver probes slot on bus 0 and locates the virtio structures.
func NewDriver(m *Machine, slot int) (*Driver, error) {
	d := &Driver{cio: m.ConfigIO(), bus: m.Bus(), slot: uint8(slot)}

	id := d.configRead32(0)
	d.VendorID, d.DeviceID = uint16(id), uint16(id>>16)
	if d.VendorID != virtio.VIRTIO_PCI_VENDOR_ID {
		return nil, fmt.Errorf("slot %d: vendor %#04x: %w", slot, d.VendorID, ErrNoDevice)
	}

	// Enable memory decoding like firmware would.
	cmd := d.configRead32(0x04)
	d.configWrite16(0x04, uint16(cmd)|commandMemorySpace)

	if err := d.walkCaps(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Driver) walkCaps() error {
	if (d.configRead32(0x04)>>16)&statusCapList == 0 {
		return fmt.Errorf("no capability list: %w", ErrMissingCap)
	}

	found := make(map[virtio.CapType]bool)
	seen := make(map[int]bool)
	ptr := int(d.configRead32(0x34) & 0xfc)
	for ptr >= 0x40 && !seen[ptr] {
		seen[ptr] = true
		raw := d.configBytes(ptr, 20)
		next := int(raw[1] & 0xfc)
		if raw[0] != pci.CapIDVendorSpecific {
			ptr = next
			continue
		}

		dc := DiscoveredCap{Offset: ptr}
		if virtio.CapType(raw[3]) == virtio.VIRTIO_PCI_CAP_NOTIFY_CFG {
			nc, err := virtio.DecodePciNotifyCap(raw)
			if err != nil {
				return fmt.Errorf("capability at %#x: %w", ptr, err)
			}
			dc.Cap, dc.Multiplier = nc.PciCap, nc.Multiplier
		} else {
			c, err := virtio.DecodePciCap(raw[:16])
			if err != nil {
				return fmt.Errorf("capability at %#x: %w", ptr, err)
			}
			dc.Cap = c
		}
		if dc.Cap.Type != virtio.VIRTIO_PCI_CAP_PCI_CFG {
			dc.Addr = d.barAddress(int(dc.Cap.Bar)) + uint64(dc.Cap.Offset)
		}
		d.Caps = append(d.Caps, dc)
		found[dc.Cap.Type] = true

		switch dc.Cap.Type {
		case virtio.VIRTIO_PCI_CAP_COMMON_CFG:
			d.common = dc.Addr
		case virtio.VIRTIO_PCI_CAP_ISR_CFG:
			d.isr = dc.Addr
		case virtio.VIRTIO_PCI_CAP_DEVICE_CFG:
			d.device = dc.Addr
		case virtio.VIRTIO_PCI_CAP_NOTIFY_CFG:
			d.notify, d.mul = dc.Addr, dc.Multiplier
		}
		ptr = next
	}

	for _, t := range []virtio.CapType{
		virtio.VIRTIO_PCI_CAP_COMMON_CFG,
		virtio.VIRTIO_PCI_CAP_ISR_CFG,
		virtio.VIRTIO_PCI_CAP_DEVICE_CFG,
		virtio.VIRTIO_PCI_CAP_NOTIFY_CFG,
	} {
		if !found[t] {
			return fmt.Errorf("%s: %w", t, ErrMissingCap)
		}
	}
	return nil
}

func (d *Driver) barAddress(index int) uint64 {
	reg := 0x10 + index*4
	low := uint64(d.configRead32(reg))
	if low&barMemTypeMask == barMemType64 {
		return (low | uint64(d.configRead32(reg+4))<<32) & barAddressMask
	}
	return low & barAddressMask
}

func (d *Driver) configRead32(offset int) uint32 {
	d.cio.SetAddress(0, d.slot, 0, uint8(offset/4))
	var buf [4]byte
	d.cio.Read(pci.ConfigDataPort, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func (d *Driver) configWrite16(offset int, v uint16) {
	d.cio.SetAddress(0, d.slot, 0, uint8(offset/4))
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	d.cio.Write(pci.ConfigDataPort+uint16(offset%4), buf[:])
}

func (d *Driver) configBytes(offset, n int) []byte {
	out := make([]byte, 0, n+4)
	for reg := offset &^ 3; len(out) < n+(offset&3); reg += 4 {
		out = binary.LittleEndian.AppendUint32(out, d.configRead32(reg))
	}
	return out[offset&3 : offset&3+n]
}

func (d *Driver) mmioRead(addr uint64, size int) uint64 {
	buf := make([]byte, 8)
	d.bus.Read(addr, buf[:size])
	return binary.LittleEndian.Uint64(buf)
}

func (d *Driver) mmioWrite(addr uint64, size int, v uint64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	d.bus.Write(addr, buf[:size])
}

// Status reads the device status register.
func (d *Driver) Status() uint8 {
	return uint8(d.mmioRead(d.common+virtio.VIRTIO_PCI_COMMON_STATUS, 1))
}

// SetStatus writes the device status register.
func (d *Driver) SetStatus(status uint8) {
	d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_STATUS, 1, uint64(status))
}

// Reset writes zero to the status register.
func (d *Driver) Reset() { d.SetStatus(virtio.DEVICE_INIT) }

// NegotiateFeatures accepts every feature the device offers and returns them.
func (d *Driver) NegotiateFeatures() uint64 {
	var features uint64
	for page := uint64(0); page < 2; page++ {
		d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_DFSELECT, 4, page)
		offered := d.mmioRead(d.common+virtio.VIRTIO_PCI_COMMON_DF, 4)
		d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_GFSELECT, 4, page)
		d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_GF, 4, offered)
		features |= offered << (32 * page)
	}
	return features
}

// NumQueues returns the number of queues the device exposes.
func (d *Driver) NumQueues() uint16 {
	return uint16(d.mmioRead(d.common+virtio.VIRTIO_PCI_COMMON_NUMQ, 2))
}

// QueueSize selects queue index and returns its current size.
func (d *Driver) QueueSize(index uint16) uint16 {
	d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_Q_SELECT, 2, uint64(index))
	return uint16(d.mmioRead(d.common+virtio.VIRTIO_PCI_COMMON_Q_SIZE, 2))
}

// SetupQueue programs and enables queue index.
func (d *Driver) SetupQueue(index, size uint16, desc, avail, used uint64) error {
	d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_Q_SELECT, 2, uint64(index))
	if maxSize := d.QueueSize(index); size > maxSize {
		return fmt.Errorf("queue %d size %d > %d: %w", index, size, maxSize, ErrQueueTooLong)
	}
	d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_Q_SIZE, 2, uint64(size))
	for _, r := range []struct {
		lo   uint64
		addr uint64
	}{
		{virtio.VIRTIO_PCI_COMMON_Q_DESCLO, desc},
		{virtio.VIRTIO_PCI_COMMON_Q_AVAILLO, avail},
		{virtio.VIRTIO_PCI_COMMON_Q_USEDLO, used},
	} {
		d.mmioWrite(d.common+r.lo, 4, r.addr&0xffffffff)
		d.mmioWrite(d.common+r.lo+4, 4, r.addr>>32)
	}
	d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_Q_ENABLE, 2, 1)
	return nil
}

// Notify kicks queue index.
func (d *Driver) Notify(index uint16) {
	d.mmioWrite(d.common+virtio.VIRTIO_PCI_COMMON_Q_SELECT, 2, uint64(index))
	off := d.mmioRead(d.common+virtio.VIRTIO_PCI_COMMON_Q_NOFF, 2)
	d.mmioWrite(d.notify+off*uint64(d.mul), 2, uint64(index))
}

// ReadISR reads and thereby clears the interrupt status.
func (d *Driver) ReadISR() uint8 {
	return uint8(d.mmioRead(d.isr, 1))
}

// ReadDeviceConfig reads size bytes of device specific configuration.
func (d *Driver) ReadDeviceConfig(offset uint64, size int) uint64 {
	return d.mmioRead(d.device+offset, size)
}

// WaitInterrupt blocks until irq has been signalled or ctx is done. The wait
// is sliced so that cancellation is seen without a deadline.
func WaitInterrupt(ctx context.Context, irq *eventfd.EventFd) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout := interruptWaitSlice
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, max(time.Until(deadline), 0))
		}
		ready, err := eventfd.Wait(timeout, irq)
		if err != nil {
			return err
		}
		if !ready[0] {
			continue
		}
		// Another reader of a shared handle may have drained it first.
		if _, err := irq.Read(); err == nil {
			return nil
		} else if !errors.Is(err, eventfd.ErrWouldBlock) {
			return err
		}
	}
}

package pci

import (
	"github.com/tinyrange/vpci/internal/eventfd"
)

// Range is a guest physical window consumed by a device.
type Range struct {
	Addr uint64
	Size uint64
}

// End returns the first address past the range.
func (r Range) End() uint64 {
	return r.Addr + r.Size
}

// Contains reports whether addr falls inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Addr && addr-r.Addr < r.Size
}

// IoEvent binds a guest write to an exact address to an eventfd. Writes
// only signal Evt when their little-endian value equals Datamatch.
type IoEvent struct {
	Evt       *eventfd.EventFd
	Addr      uint64
	Datamatch uint64
}

// BusDevice receives trapped MMIO accesses at offsets relative to the start
// of the range it was inserted at.
type BusDevice interface {
	Read(offset uint64, data []byte)
	Write(offset uint64, data []byte)
}

// Device is a PCI function that can be placed on a Bus.
type Device interface {
	BusDevice

	// ReadConfigRegister returns configuration register regIdx.
	ReadConfigRegister(regIdx int) uint32
	// WriteConfigRegister writes data at byte offset inside register regIdx.
	WriteConfigRegister(regIdx int, offset uint64, data []byte)

	// AssignIRQ hands the device its interrupt eventfd and programs the
	// legacy interrupt line and pin.
	AssignIRQ(evt *eventfd.EventFd, line uint8, pin InterruptPin)
	// IoEventFds lists the notification eventfds the bus should register.
	IoEventFds() []IoEvent
	// AllocateBars places every BAR the device needs and returns the ranges
	// consumed.
	AllocateBars(alloc AddressAllocator) ([]Range, error)
}

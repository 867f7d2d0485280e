package pci

import "errors"

var (
	ErrBarInvalid            = errors.New("pci: BAR index out of range")
	ErrBarInUse              = errors.New("pci: BAR index already in use")
	ErrBarSizeInvalid        = errors.New("pci: BAR size is not a power of two")
	ErrBarAddressInvalid     = errors.New("pci: BAR address is not valid for its size and region type")
	ErrCapabilityEmpty       = errors.New("pci: capability record is too short")
	ErrCapabilitySpaceFull   = errors.New("pci: no room left in the capability list")
	ErrAddressSpaceExhausted = errors.New("pci: MMIO address space exhausted")
	ErrBusOverlap            = errors.New("pci: bus range overlaps an existing range")
	ErrBusRangeInvalid       = errors.New("pci: bus range is empty or wraps")
	ErrIoEventExists         = errors.New("pci: ioevent already registered at address")
	ErrNoFreeSlot            = errors.New("pci: no free device slot on bus 0")
)

package virtio

import (
	"errors"
	"fmt"
)

var (
	ErrCapTruncated     = errors.New("virtio-pci: capability record truncated")
	ErrCapNotVendor     = errors.New("virtio-pci: capability is not vendor specific")
	ErrCapLength        = errors.New("virtio-pci: capability length mismatch")
	ErrQueueNotReady    = errors.New("virtio: queue not ready")
	ErrDescriptorIndex  = errors.New("virtio: descriptor index out of range")
	ErrDescriptorLoop   = errors.New("virtio: descriptor chain longer than queue")
	ErrActivationQueues = errors.New("virtio: unexpected queue count at activation")
	ErrResetUnsupported = errors.New("virtio-pci: device does not support reset")
)

// CapabilitiesSetupError reports that the configuration space rejected one of
// the virtio capability records.
type CapabilitiesSetupError struct {
	Err error
}

func (e *CapabilitiesSetupError) Error() string {
	return fmt.Sprintf("virtio-pci: capabilities setup: %v", e.Err)
}

func (e *CapabilitiesSetupError) Unwrap() error { return e.Err }

// IoAllocationFailedError reports that the address allocator could not fit
// a BAR of Size bytes.
type IoAllocationFailedError struct {
	Size uint64
	Err  error
}

func (e *IoAllocationFailedError) Error() string {
	return fmt.Sprintf("virtio-pci: allocate %#x byte BAR: %v", e.Size, e.Err)
}

func (e *IoAllocationFailedError) Unwrap() error { return e.Err }

// IoRegistrationFailedError reports that a BAR at Address could not be
// registered in the configuration space.
type IoRegistrationFailedError struct {
	Address uint64
	Err     error
}

func (e *IoRegistrationFailedError) Error() string {
	return fmt.Sprintf("virtio-pci: register BAR at %#x: %v", e.Address, e.Err)
}

func (e *IoRegistrationFailedError) Unwrap() error { return e.Err }

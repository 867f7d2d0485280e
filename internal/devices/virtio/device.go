package virtio

import (
	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/eventfd"
	"github.com/tinyrange/vpci/internal/hv"
)

// Device status bits written by the driver.
const (
	DEVICE_INIT        uint8 = 0x00
	DEVICE_ACKNOWLEDGE uint8 = 0x01
	DEVICE_DRIVER      uint8 = 0x02
	DEVICE_DRIVER_OK   uint8 = 0x04
	DEVICE_FEATURES_OK uint8 = 0x08
	DEVICE_FAILED      uint8 = 0x80
)

// Virtio device types.
const (
	TYPE_NET     uint32 = 1
	TYPE_BLOCK   uint32 = 2
	TYPE_CONSOLE uint32 = 3
	TYPE_RNG     uint32 = 4
)

// VIRTIO_F_VERSION_1 marks a non-legacy device.
const VIRTIO_F_VERSION_1 = uint64(1) << 32

// Activation carries everything a device needs to run. The device owns the
// eventfds from the moment Activate succeeds until Reset hands them back.
type Activation struct {
	Mem       hv.GuestMemory
	Interrupt *eventfd.EventFd
	Status    *InterruptStatus
	Queues    []Queue
	QueueEvts []*eventfd.EventFd
}

// Device is the device-specific half of a virtio function.
type Device interface {
	// DeviceType is the virtio device type, added to 0x1040 for the PCI
	// device id.
	DeviceType() uint32
	// QueueMaxSizes has one entry per virtqueue.
	QueueMaxSizes() []uint16
	// DeviceBars lists extra BARs. The transport writes the allocated
	// address back through the pointer.
	DeviceBars() []*pci.BarConfiguration

	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	Activate(a Activation) error
	// Reset stops the device and returns the interrupt and queue eventfds.
	// ok is false when the device cannot be reset.
	Reset() (interrupt *eventfd.EventFd, queueEvts []*eventfd.EventFd, ok bool)
}

// FeatureNegotiator is implemented by devices that offer features beyond
// VIRTIO_F_VERSION_1.
type FeatureNegotiator interface {
	Features() uint64
	AckFeatures(features uint64)
}

func deviceFeatures(dev Device) uint64 {
	if fn, ok := dev.(FeatureNegotiator); ok {
		return fn.Features() | VIRTIO_F_VERSION_1
	}
	return VIRTIO_F_VERSION_1
}

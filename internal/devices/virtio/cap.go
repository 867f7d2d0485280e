package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vpci/internal/devices/pci"
)

// CapType identifies the structure a virtio capability points at.
type CapType uint8

const (
	VIRTIO_PCI_CAP_COMMON_CFG CapType = 1
	VIRTIO_PCI_CAP_NOTIFY_CFG CapType = 2
	VIRTIO_PCI_CAP_ISR_CFG    CapType = 3
	VIRTIO_PCI_CAP_DEVICE_CFG CapType = 4
	VIRTIO_PCI_CAP_PCI_CFG    CapType = 5
)

func (t CapType) String() string {
	switch t {
	case VIRTIO_PCI_CAP_COMMON_CFG:
		return "common"
	case VIRTIO_PCI_CAP_NOTIFY_CFG:
		return "notify"
	case VIRTIO_PCI_CAP_ISR_CFG:
		return "isr"
	case VIRTIO_PCI_CAP_DEVICE_CFG:
		return "device"
	case VIRTIO_PCI_CAP_PCI_CFG:
		return "pci-cfg"
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

const (
	virtioPCICapLen       = 16
	virtioPCINotifyCapLen = 20
)

// PciCap is the generic virtio_pci_cap record.
type PciCap struct {
	Type   CapType
	Bar    uint8
	Offset uint32
	Length uint32
}

// Bytes encodes the record as it appears in configuration space. The next
// pointer is left zero for the capability list to fill in.
func (c PciCap) Bytes() []byte {
	b := make([]byte, virtioPCICapLen)
	c.put(b, virtioPCICapLen)
	return b
}

func (c PciCap) put(b []byte, capLen uint8) {
	b[0] = pci.CapIDVendorSpecific
	b[1] = 0
	b[2] = capLen
	b[3] = uint8(c.Type)
	b[4] = c.Bar
	b[5], b[6], b[7] = 0, 0, 0
	binary.LittleEndian.PutUint32(b[8:12], c.Offset)
	binary.LittleEndian.PutUint32(b[12:16], c.Length)
}

// PciNotifyCap is virtio_pci_notify_cap: a PciCap followed by the notify
// offset multiplier.
type PciNotifyCap struct {
	PciCap
	Multiplier uint32
}

// Bytes encodes the 20 byte notify record.
func (c PciNotifyCap) Bytes() []byte {
	b := make([]byte, virtioPCINotifyCapLen)
	c.put(b, virtioPCINotifyCapLen)
	binary.LittleEndian.PutUint32(b[16:20], c.Multiplier)
	return b
}

// DecodePciCap parses a generic record.
func DecodePciCap(b []byte) (PciCap, error) {
	if err := checkCapHeader(b, virtioPCICapLen); err != nil {
		return PciCap{}, err
	}
	return decodeCapFields(b), nil
}

// DecodePciNotifyCap parses a notify record.
func DecodePciNotifyCap(b []byte) (PciNotifyCap, error) {
	if err := checkCapHeader(b, virtioPCINotifyCapLen); err != nil {
		return PciNotifyCap{}, err
	}
	return PciNotifyCap{
		PciCap:     decodeCapFields(b),
		Multiplier: binary.LittleEndian.Uint32(b[16:20]),
	}, nil
}

func checkCapHeader(b []byte, capLen int) error {
	if len(b) < capLen {
		return fmt.Errorf("%d of %d bytes: %w", len(b), capLen, ErrCapTruncated)
	}
	if b[0] != pci.CapIDVendorSpecific {
		return fmt.Errorf("id %#x: %w", b[0], ErrCapNotVendor)
	}
	if int(b[2]) != capLen {
		return fmt.Errorf("cap_len %d, want %d: %w", b[2], capLen, ErrCapLength)
	}
	return nil
}

func decodeCapFields(b []byte) PciCap {
	return PciCap{
		Type:   CapType(b[3]),
		Bar:    b[4],
		Offset: binary.LittleEndian.Uint32(b[8:12]),
		Length: binary.LittleEndian.Uint32(b[12:16]),
	}
}

var (
	_ pci.Capability = PciCap{}
	_ pci.Capability = PciNotifyCap{}
)

package virtio

import (
	"encoding/binary"
)

// Common configuration structure offsets.
const (
	VIRTIO_PCI_COMMON_DFSELECT      = 0x00
	VIRTIO_PCI_COMMON_DF            = 0x04
	VIRTIO_PCI_COMMON_GFSELECT      = 0x08
	VIRTIO_PCI_COMMON_GF            = 0x0C
	VIRTIO_PCI_COMMON_MSIX          = 0x10
	VIRTIO_PCI_COMMON_NUMQ          = 0x12
	VIRTIO_PCI_COMMON_STATUS        = 0x14
	VIRTIO_PCI_COMMON_CFGGENERATION = 0x15
	VIRTIO_PCI_COMMON_Q_SELECT      = 0x16
	VIRTIO_PCI_COMMON_Q_SIZE        = 0x18
	VIRTIO_PCI_COMMON_Q_MSIX        = 0x1A
	VIRTIO_PCI_COMMON_Q_ENABLE      = 0x1C
	VIRTIO_PCI_COMMON_Q_NOFF        = 0x1E
	VIRTIO_PCI_COMMON_Q_DESCLO      = 0x20
	VIRTIO_PCI_COMMON_Q_DESCHI      = 0x24
	VIRTIO_PCI_COMMON_Q_AVAILLO     = 0x28
	VIRTIO_PCI_COMMON_Q_AVAILHI     = 0x2C
	VIRTIO_PCI_COMMON_Q_USEDLO      = 0x30
	VIRTIO_PCI_COMMON_Q_USEDHI      = 0x34

	VIRTIO_MSI_NO_VECTOR = 0xFFFF
)

// commonConfig is the transport-owned part of virtio_pci_common_cfg. Queue
// registers live in the Queue values passed to each access.
type commonConfig struct {
	driverStatus        uint8
	configGeneration    uint8
	deviceFeatureSelect uint32
	driverFeatureSelect uint32
	driverFeatures      uint64
	queueSelect         uint16
}

func (c *commonConfig) read(offset uint64, data []byte, queues []Queue, dev Device) {
	switch len(data) {
	case 1:
		data[0] = c.readByte(offset)
	case 2:
		binary.LittleEndian.PutUint16(data, c.readWord(offset, queues))
	case 4:
		binary.LittleEndian.PutUint32(data, c.readDword(offset, queues, dev))
	case 8:
		lo := c.readDword(offset, queues, dev)
		hi := c.readDword(offset+4, queues, dev)
		binary.LittleEndian.PutUint64(data, uint64(hi)<<32|uint64(lo))
	default:
		virtioLog.WithField("offset", offset).WithField("len", len(data)).
			Debug("unsupported common config read width")
	}
}

func (c *commonConfig) write(offset uint64, data []byte, queues []Queue, dev Device) {
	switch len(data) {
	case 1:
		c.writeByte(offset, data[0])
	case 2:
		c.writeWord(offset, binary.LittleEndian.Uint16(data), queues)
	case 4:
		c.writeDword(offset, binary.LittleEndian.Uint32(data), queues, dev)
	case 8:
		c.writeDword(offset, binary.LittleEndian.Uint32(data[0:4]), queues, dev)
		c.writeDword(offset+4, binary.LittleEndian.Uint32(data[4:8]), queues, dev)
	default:
		virtioLog.WithField("offset", offset).WithField("len", len(data)).
			Debug("unsupported common config write width")
	}
}

func (c *commonConfig) readByte(offset uint64) uint8 {
	switch offset {
	case VIRTIO_PCI_COMMON_STATUS:
		return c.driverStatus
	case VIRTIO_PCI_COMMON_CFGGENERATION:
		return c.configGeneration
	}
	return 0
}

func (c *commonConfig) writeByte(offset uint64, value uint8) {
	switch offset {
	case VIRTIO_PCI_COMMON_STATUS:
		c.driverStatus = value
	default:
		virtioLog.WithField("offset", offset).Debug("write to read-only common config byte")
	}
}

func (c *commonConfig) readWord(offset uint64, queues []Queue) uint16 {
	switch offset {
	case VIRTIO_PCI_COMMON_MSIX:
		return VIRTIO_MSI_NO_VECTOR
	case VIRTIO_PCI_COMMON_NUMQ:
		return uint16(len(queues))
	case VIRTIO_PCI_COMMON_Q_SELECT:
		return c.queueSelect
	case VIRTIO_PCI_COMMON_Q_SIZE:
		if q := c.selected(queues); q != nil {
			return q.Size
		}
	case VIRTIO_PCI_COMMON_Q_MSIX:
		return VIRTIO_MSI_NO_VECTOR
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		if q := c.selected(queues); q != nil && q.Ready {
			return 1
		}
	case VIRTIO_PCI_COMMON_Q_NOFF:
		if c.selected(queues) != nil {
			return c.queueSelect
		}
	}
	return 0
}

func (c *commonConfig) writeWord(offset uint64, value uint16, queues []Queue) {
	switch offset {
	case VIRTIO_PCI_COMMON_Q_SELECT:
		c.queueSelect = value
	case VIRTIO_PCI_COMMON_Q_SIZE:
		if q := c.selected(queues); q != nil {
			q.Size = value
		}
	case VIRTIO_PCI_COMMON_Q_ENABLE:
		if q := c.selected(queues); q != nil {
			q.Ready = value == 1
		}
	case VIRTIO_PCI_COMMON_MSIX, VIRTIO_PCI_COMMON_Q_MSIX:
		// No MSI-X vectors; the driver reads back NO_VECTOR.
	default:
		virtioLog.WithField("offset", offset).Debug("write to read-only common config word")
	}
}

func (c *commonConfig) readDword(offset uint64, queues []Queue, dev Device) uint32 {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		return c.deviceFeatureSelect
	case VIRTIO_PCI_COMMON_DF:
		if c.deviceFeatureSelect < 2 {
			return uint32(deviceFeatures(dev) >> (32 * c.deviceFeatureSelect))
		}
	case VIRTIO_PCI_COMMON_GFSELECT:
		return c.driverFeatureSelect
	case VIRTIO_PCI_COMMON_GF:
		if c.driverFeatureSelect < 2 {
			return uint32(c.driverFeatures >> (32 * c.driverFeatureSelect))
		}
	}
	if q := c.selected(queues); q != nil {
		switch offset {
		case VIRTIO_PCI_COMMON_Q_DESCLO:
			return uint32(q.DescTable)
		case VIRTIO_PCI_COMMON_Q_DESCHI:
			return uint32(q.DescTable >> 32)
		case VIRTIO_PCI_COMMON_Q_AVAILLO:
			return uint32(q.AvailRing)
		case VIRTIO_PCI_COMMON_Q_AVAILHI:
			return uint32(q.AvailRing >> 32)
		case VIRTIO_PCI_COMMON_Q_USEDLO:
			return uint32(q.UsedRing)
		case VIRTIO_PCI_COMMON_Q_USEDHI:
			return uint32(q.UsedRing >> 32)
		}
	}
	return 0
}

func (c *commonConfig) writeDword(offset uint64, value uint32, queues []Queue, dev Device) {
	switch offset {
	case VIRTIO_PCI_COMMON_DFSELECT:
		c.deviceFeatureSelect = value
		return
	case VIRTIO_PCI_COMMON_GFSELECT:
		c.driverFeatureSelect = value
		return
	case VIRTIO_PCI_COMMON_GF:
		c.ackFeaturePage(value, dev)
		return
	}

	q := c.selected(queues)
	if q == nil {
		return
	}
	switch offset {
	case VIRTIO_PCI_COMMON_Q_DESCLO:
		setLow(&q.DescTable, value)
	case VIRTIO_PCI_COMMON_Q_DESCHI:
		setHigh(&q.DescTable, value)
	case VIRTIO_PCI_COMMON_Q_AVAILLO:
		setLow(&q.AvailRing, value)
	case VIRTIO_PCI_COMMON_Q_AVAILHI:
		setHigh(&q.AvailRing, value)
	case VIRTIO_PCI_COMMON_Q_USEDLO:
		setLow(&q.UsedRing, value)
	case VIRTIO_PCI_COMMON_Q_USEDHI:
		setHigh(&q.UsedRing, value)
	default:
		virtioLog.WithField("offset", offset).Debug("write to read-only common config dword")
	}
}

func (c *commonConfig) ackFeaturePage(value uint32, dev Device) {
	if c.driverFeatureSelect >= 2 {
		return
	}
	shift := 32 * c.driverFeatureSelect
	page := (uint64(value) << shift) & deviceFeatures(dev)
	c.driverFeatures = c.driverFeatures&^(uint64(0xffff_ffff)<<shift) | page
	if fn, ok := dev.(FeatureNegotiator); ok {
		fn.AckFeatures(page)
	}
}

func (c *commonConfig) selected(queues []Queue) *Queue {
	if int(c.queueSelect) >= len(queues) {
		return nil
	}
	return &queues[c.queueSelect]
}

func setLow(field *uint64, value uint32) {
	*field = *field&^0xffff_ffff | uint64(value)
}

func setHigh(field *uint64, value uint32) {
	*field = *field&0xffff_ffff | uint64(value)<<32
}

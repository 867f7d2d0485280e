package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Legacy configuration mechanism #1 ports.
const (
	ConfigAddressPort = 0xcf8
	ConfigDataPort    = 0xcfc

	// MaxDevices is the number of device slots on bus 0.
	MaxDevices = 32

	configEnableBit = 1 << 31
)

// configAddress is the value latched through ConfigAddressPort.
type configAddress uint32

func (a configAddress) enabled() bool { return a&configEnableBit != 0 }
func (a configAddress) bus() uint32 { return uint32(a>>16) & 0xff }
func (a configAddress) device() uint32 { return uint32(a>>11) & 0x1f }
func (a configAddress) function() uint32 { return uint32(a>>8) & 0x7 }
func (a configAddress) register() uint32 { return uint32(a>>2) & 0x3f }

// ConfigIO implements the 0xcf8/0xcfc port pair for bus 0, function 0 of
// every slot. Absent functions read back all ones.
type ConfigIO struct {
	mu      sync.Mutex
	addr    configAddress
	devices [MaxDevices]Device
}

// NewConfigIO returns a ConfigIO with no devices.
func NewConfigIO() *ConfigIO {
	return &ConfigIO{}
}

// AddDevice places dev in the first free slot and returns the slot number.
func (c *ConfigIO) AddDevice(dev Device) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for slot, d := range c.devices {
		if d == nil {
			c.devices[slot] = dev
			pciLog.WithField("slot", slot).Debug("device added to bus 0")
			return slot, nil
		}
	}
	return 0, ErrNoFreeSlot
}

// Device returns the device in slot, or nil.
func (c *ConfigIO) Device(slot int) Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if slot < 0 || slot >= MaxDevices {
		return nil
	}
	return c.devices[slot]
}

// SetAddress latches a configuration address, as a guest write to
// ConfigAddressPort would.
func (c *ConfigIO) SetAddress(bus, device, function, register uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = configAddress(configEnableBit |
		uint32(bus)<<16 |
		uint32(device&0x1f)<<11 |
		uint32(function&0x7)<<8 |
		uint32(register&0x3f)<<2)
}

// Read handles an in from port. Unknown ports and absent functions read as
// all ones.
func (c *ConfigIO) Read(port uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range data {
		data[i] = 0xff
	}

	switch {
	case port == ConfigAddressPort && len(data) == 4:
		binary.LittleEndian.PutUint32(data, uint32(c.addr))
	case port >= ConfigDataPort && port < ConfigDataPort+4:
		dev := c.selected()
		if dev == nil {
			return
		}
		offset := uint32(port - ConfigDataPort)
		if offset+uint32(len(data)) > 4 {
			return
		}
		var reg [4]byte
		binary.LittleEndian.PutUint32(reg[:], dev.ReadConfigRegister(int(c.addr.register())))
		copy(data, reg[offset:])
	}
}

// Write handles an out to port.
func (c *ConfigIO) Write(port uint16, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case port == ConfigAddressPort && len(data) == 4:
		c.addr = configAddress(binary.LittleEndian.Uint32(data))
	case port >= ConfigDataPort && port < ConfigDataPort+4:
		dev := c.selected()
		if dev == nil {
			return
		}
		dev.WriteConfigRegister(int(c.addr.register()), uint64(port-ConfigDataPort), data)
	default:
		pciLog.WithField("port", fmt.Sprintf("%#x", port)).Debug("unhandled config port write")
	}
}

func (c *ConfigIO) selected() Device {
	a := c.addr
	if !a.enabled() || a.bus() != 0 || a.function() != 0 {
		return nil
	}
	return c.devices[a.device()]
}

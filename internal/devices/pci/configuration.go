package pci

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	// ConfigSpaceSize is the size of the legacy configuration space.
	ConfigSpaceSize = 256
	// NumConfigRegisters is the number of dword registers in ConfigSpaceSize.
	NumConfigRegisters = ConfigSpaceSize / 4

	commandReg      = 1
	statusReg       = 1
	classReg        = 2
	headerTypeReg   = 3
	subsystemReg    = 11
	interruptReg    = 15
	commandWritable = 0x0000_ffff
	interruptLineWr = 0x0000_00ff
)

// ClassCode is the PCI base class.
type ClassCode uint8

const (
	ClassTooOld         ClassCode = 0x00
	ClassMassStorage    ClassCode = 0x01
	ClassNetwork        ClassCode = 0x02
	ClassDisplay        ClassCode = 0x03
	ClassBridge         ClassCode = 0x06
	ClassCommunications ClassCode = 0x07
	ClassOther          ClassCode = 0xff
)

// HeaderType is the layout of the configuration header.
type HeaderType uint8

const (
	HeaderTypeDevice HeaderType = 0x00
	HeaderTypeBridge HeaderType = 0x01
)

// InterruptPin is the legacy INTx pin reported in the interrupt register.
type InterruptPin uint8

const (
	InterruptPinNone InterruptPin = iota
	InterruptPinA
	InterruptPinB
	InterruptPinC
	InterruptPinD
)

// Header holds the identity fields of a type 0 configuration header.
type Header struct {
	VendorID          uint16
	DeviceID          uint16
	Class             ClassCode
	Subclass          uint8
	ProgIF            uint8
	Revision          uint8
	HeaderType        HeaderType
	SubsystemVendorID uint16
	SubsystemID       uint16
}

// Configuration is the register file behind a function's configuration
// space. Every register carries a writable-bit mask so guest writes cannot
// change read-only fields.
type Configuration struct {
	registers    [NumConfigRegisters]uint32
	writableBits [NumConfigRegisters]uint32
	bars         [NumBars]barInfo

	lastCapOffset int
	nextCapOffset int
}

// NewConfiguration builds a register file for the supplied header.
func NewConfiguration(h Header) *Configuration {
	c := &Configuration{nextCapOffset: firstCapOffset}

	c.registers[0] = uint32(h.DeviceID)<<16 | uint32(h.VendorID)
	c.registers[classReg] = uint32(h.Class)<<24 |
		uint32(h.Subclass)<<16 |
		uint32(h.ProgIF)<<8 |
		uint32(h.Revision)
	c.registers[headerTypeReg] = uint32(h.HeaderType) << 16
	c.registers[subsystemReg] = uint32(h.SubsystemID)<<16 | uint32(h.SubsystemVendorID)

	c.writableBits[commandReg] = commandWritable
	c.writableBits[interruptReg] = interruptLineWr
	return c
}

// ReadReg returns register regIdx, or 0xffffffff past the end of the file.
func (c *Configuration) ReadReg(regIdx int) uint32 {
	if regIdx < 0 || regIdx >= NumConfigRegisters {
		return 0xffff_ffff
	}
	return c.registers[regIdx]
}

// WriteReg updates the writable bits of register regIdx.
func (c *Configuration) WriteReg(regIdx int, value uint32) {
	if regIdx < 0 || regIdx >= NumConfigRegisters {
		return
	}
	mask := c.writableBits[regIdx]
	c.registers[regIdx] = (c.registers[regIdx] &^ mask) | (value & mask)
}

// WriteByte updates one byte at a configuration space offset.
func (c *Configuration) WriteByte(offset int, value uint8) {
	if offset < 0 || offset >= ConfigSpaceSize {
		return
	}
	regIdx := offset / 4
	shift := uint(offset%4) * 8
	reg := c.registers[regIdx]
	c.WriteReg(regIdx, (reg&^(0xff<<shift))|uint32(value)<<shift)
}

// WriteWord updates two bytes at a configuration space offset. Words that
// would straddle a register are dropped.
func (c *Configuration) WriteWord(offset int, value uint16) {
	if offset < 0 || offset >= ConfigSpaceSize || offset%4 > 2 {
		return
	}
	regIdx := offset / 4
	shift := uint(offset%4) * 8
	reg := c.registers[regIdx]
	c.WriteReg(regIdx, (reg&^(0xffff<<shift))|uint32(value)<<shift)
}

// SetIRQ programs the interrupt line and pin.
func (c *Configuration) SetIRQ(line uint8, pin InterruptPin) {
	c.registers[interruptReg] = (c.registers[interruptReg] &^ 0xffff) |
		uint32(pin)<<8 |
		uint32(line)
}

// AddBar registers a memory BAR and returns its index.
func (c *Configuration) AddBar(cfg BarConfiguration) (int, error) {
	idx := cfg.Index
	if idx < 0 || idx >= NumBars {
		return 0, fmt.Errorf("BAR %d: %w", idx, ErrBarInvalid)
	}
	is64 := cfg.Region == Memory64BitRegion
	if is64 && idx+1 >= NumBars {
		return 0, fmt.Errorf("64-bit BAR %d has no upper half: %w", idx, ErrBarInvalid)
	}
	if !isPowerOfTwo(cfg.Size) {
		return 0, fmt.Errorf("BAR %d size %#x: %w", idx, cfg.Size, ErrBarSizeInvalid)
	}
	end := cfg.Address + cfg.Size
	if cfg.Address&(cfg.Size-1) != 0 || end < cfg.Address {
		return 0, fmt.Errorf("BAR %d address %#x: %w", idx, cfg.Address, ErrBarAddressInvalid)
	}
	if !is64 && end > max32BitBarAddress {
		return 0, fmt.Errorf("BAR %d address %#x above 4 GiB: %w", idx, cfg.Address, ErrBarAddressInvalid)
	}
	if c.bars[idx].used || (is64 && c.bars[idx+1].used) {
		return 0, fmt.Errorf("BAR %d: %w", idx, ErrBarInUse)
	}

	attrs := uint32(0)
	if is64 {
		attrs |= barMem64Bit
	}
	if cfg.Prefetchable {
		attrs |= barPrefetchable
	}

	reg := bar0Reg + idx
	mask := ^(cfg.Size - 1)
	c.registers[reg] = uint32(cfg.Address)&barMemAddrMask | attrs
	c.writableBits[reg] = uint32(mask) & barMemAddrMask
	c.bars[idx] = barInfo{used: true, size: cfg.Size}
	if is64 {
		c.registers[reg+1] = uint32(cfg.Address >> 32)
		c.writableBits[reg+1] = uint32(mask >> 32)
		c.bars[idx+1] = barInfo{used: true}
	}
	return idx, nil
}

// BarAddress returns the address programmed into BAR idx, combining both
// halves of a 64-bit BAR.
func (c *Configuration) BarAddress(idx int) uint64 {
	if idx < 0 || idx >= NumBars {
		return 0
	}
	low := c.registers[bar0Reg+idx]
	addr := uint64(low & barMemAddrMask)
	if low&barMemTypeMask == barMem64Bit && idx+1 < NumBars {
		addr |= uint64(c.registers[bar0Reg+idx+1]) << 32
	}
	return addr
}

// BarSize returns the size registered for BAR idx, 0 when unused.
func (c *Configuration) BarSize(idx int) uint64 {
	if idx < 0 || idx >= NumBars {
		return 0
	}
	return c.bars[idx].size
}

// AddCapability links capability at the end of the capability list and returns the
// offset it was placed at.
func (c *Configuration) AddCapability(capability Capability) (int, error) {
	b := capability.Bytes()
	if len(b) < 2 {
		return 0, ErrCapabilityEmpty
	}
	offset := c.nextCapOffset
	end := offset + len(b)
	if end > ConfigSpaceSize {
		return 0, fmt.Errorf("%d byte capability at %#x: %w", len(b), offset, ErrCapabilitySpaceFull)
	}

	for i, v := range b {
		c.writeRawByte(offset+i, v)
	}
	c.writeRawByte(offset+1, 0)

	if c.lastCapOffset == 0 {
		c.writeRawByte(capPointerOffset, uint8(offset))
		c.registers[statusReg] |= statusCapList << 16
	} else {
		c.writeRawByte(c.lastCapOffset+1, uint8(offset))
	}
	c.lastCapOffset = offset
	c.nextCapOffset = (end + 3) &^ 3
	return offset, nil
}

// Bytes returns a little-endian snapshot of the whole configuration space.
func (c *Configuration) Bytes() []byte {
	out := make([]byte, ConfigSpaceSize)
	for i, reg := range c.registers {
		binary.LittleEndian.PutUint32(out[i*4:], reg)
	}
	return out
}

// HexDump formats the first maxBytes of configuration space, 16 per line.
func (c *Configuration) HexDump(maxBytes int) string {
	if maxBytes <= 0 || maxBytes > ConfigSpaceSize {
		maxBytes = ConfigSpaceSize
	}
	data := c.Bytes()

	var sb strings.Builder
	for i := 0; i < maxBytes; i += 16 {
		sb.WriteString(fmt.Sprintf("%03x: ", i))
		for j := 0; j < 16 && i+j < maxBytes; j++ {
			sb.WriteString(fmt.Sprintf("%02x ", data[i+j]))
			if j == 7 {
				sb.WriteString(" ")
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func (c *Configuration) readByte(offset int) uint8 {
	if offset < 0 || offset >= ConfigSpaceSize {
		return 0
	}
	return uint8(c.registers[offset/4] >> (uint(offset%4) * 8))
}

func (c *Configuration) writeRawByte(offset int, value uint8) {
	shift := uint(offset%4) * 8
	reg := &c.registers[offset/4]
	*reg = (*reg &^ (0xff << shift)) | uint32(value)<<shift
}

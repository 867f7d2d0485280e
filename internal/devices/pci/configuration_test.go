package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawCap []byte

func (c rawCap) Bytes() []byte { return c }

func testHeader() Header {
	return Header{
		VendorID:          0x1af4,
		DeviceID:          0x1044,
		Class:             ClassOther,
		Subclass:          0xff,
		Revision:          1,
		HeaderType:        HeaderTypeDevice,
		SubsystemVendorID: 0x1af4,
		SubsystemID:       0x1044,
	}
}

func TestConfigurationIdentity(t *testing.T) {
	assert := assert.New(t)

	c := NewConfiguration(testHeader())
	assert.Equal(uint32(0x1044_1af4), c.ReadReg(0))
	assert.Equal(uint32(0xff_ff_00_01), c.ReadReg(2))
	assert.Equal(uint32(0x1044_1af4), c.ReadReg(11))
	assert.Equal(uint32(0xffff_ffff), c.ReadReg(NumConfigRegisters))
	assert.Equal(uint32(0xffff_ffff), c.ReadReg(-1))
}

func TestConfigurationReadOnlyRegisters(t *testing.T) {
	assert := assert.New(t)

	c := NewConfiguration(testHeader())
	c.WriteReg(0, 0xdead_beef)
	assert.Equal(uint32(0x1044_1af4), c.ReadReg(0))

	c.WriteReg(1, 0xffff_0006)
	assert.Equal(uint32(0x0006), c.ReadReg(1), "status half must stay read-only")

	c.WriteByte(15*4, 0x0b)
	assert.Equal(uint32(0x0b), c.ReadReg(15)&0xff)
	c.WriteByte(15*4+1, 0x04)
	assert.Equal(uint32(0), c.ReadReg(15)>>8&0xff, "interrupt pin is read-only")
}

func TestConfigurationWriteWordStraddle(t *testing.T) {
	assert := assert.New(t)

	c := NewConfiguration(testHeader())
	c.WriteWord(4, 0x0102)
	assert.Equal(uint32(0x0102), c.ReadReg(1))

	c.WriteWord(7, 0xffff)
	assert.Equal(uint32(0x0102), c.ReadReg(1))
}

func TestAddBar64BitSizingProbe(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := NewConfiguration(testHeader())
	idx, err := c.AddBar(BarConfiguration{
		Index:   0,
		Address: 0x1_0000_4000,
		Size:    0x4000,
		Region:  Memory64BitRegion,
	})
	require.NoError(err)
	assert.Equal(0, idx)
	assert.Equal(uint64(0x1_0000_4000), c.BarAddress(0))
	assert.Equal(uint64(0x4000), c.BarSize(0))

	c.WriteReg(bar0Reg, 0xffff_ffff)
	c.WriteReg(bar0Reg+1, 0xffff_ffff)
	assert.Equal(uint32(0xffff_c004), c.ReadReg(bar0Reg))
	assert.Equal(uint32(0xffff_ffff), c.ReadReg(bar0Reg+1))

	c.WriteReg(bar0Reg, 0x8000_0000)
	c.WriteReg(bar0Reg+1, 0)
	assert.Equal(uint64(0x8000_0000), c.BarAddress(0))

	_, err = c.AddBar(BarConfiguration{Index: 1, Address: 0x9000_0000, Size: 0x1000})
	assert.ErrorIs(err, ErrBarInUse)
}

func TestAddBarValidation(t *testing.T) {
	c := NewConfiguration(testHeader())

	tests := []struct {
		name string
		bar  BarConfiguration
		err  error
	}{
		{"index", BarConfiguration{Index: NumBars, Address: 0x1000, Size: 0x1000}, ErrBarInvalid},
		{"upper half", BarConfiguration{Index: NumBars - 1, Address: 0x1000, Size: 0x1000, Region: Memory64BitRegion}, ErrBarInvalid},
		{"size", BarConfiguration{Index: 2, Address: 0x3000, Size: 0x3000}, ErrBarSizeInvalid},
		{"alignment", BarConfiguration{Index: 2, Address: 0x1800, Size: 0x1000}, ErrBarAddressInvalid},
		{"32-bit limit", BarConfiguration{Index: 2, Address: 0x1_0000_0000, Size: 0x1000}, ErrBarAddressInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.AddBar(tt.bar)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	idx, err := c.AddBar(BarConfiguration{Index: 2, Address: 0xe000_0000, Size: 0x1000, Prefetchable: true})
	assert.NoError(t, err)
	assert.Equal(t, 2, idx)
	assert.Equal(t, uint32(0xe000_0008), c.ReadReg(bar0Reg+2))
}

func TestAddCapabilityChain(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	c := NewConfiguration(testHeader())
	assert.Empty(c.Capabilities())

	off, err := c.AddCapability(rawCap{CapIDVendorSpecific, 0xaa, 16, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0x38, 0, 0, 0})
	require.NoError(err)
	assert.Equal(0x40, off)

	off, err = c.AddCapability(rawCap{CapIDVendorSpecific, 0, 3})
	require.NoError(err)
	assert.Equal(0x50, off)

	off, err = c.AddCapability(rawCap{CapIDMSI, 0})
	require.NoError(err)
	assert.Equal(0x54, off)

	assert.Equal(uint32(statusCapList)<<16, c.ReadReg(1)&(statusCapList<<16))
	assert.Equal(uint8(0x40), c.readByte(capPointerOffset))
	assert.Equal(uint8(0x50), c.readByte(0x41), "next pointer overwritten when linked")
	assert.Equal(uint8(0x54), c.readByte(0x51))
	assert.Equal(uint8(0), c.readByte(0x55))

	assert.Equal([]CapabilityInfo{
		{ID: CapIDVendorSpecific, Offset: 0x40},
		{ID: CapIDVendorSpecific, Offset: 0x50},
		{ID: CapIDMSI, Offset: 0x54},
	}, c.Capabilities())

	b := c.Bytes()
	assert.Len(b, ConfigSpaceSize)
	assert.Equal(byte(0x38), b[0x4c])
}

func TestAddCapabilityErrors(t *testing.T) {
	assert := assert.New(t)

	c := NewConfiguration(testHeader())
	_, err := c.AddCapability(rawCap{CapIDMSI})
	assert.ErrorIs(err, ErrCapabilityEmpty)

	big := make(rawCap, ConfigSpaceSize-firstCapOffset)
	_, err = c.AddCapability(big)
	assert.NoError(err)

	_, err = c.AddCapability(rawCap{CapIDMSI, 0})
	assert.ErrorIs(err, ErrCapabilitySpaceFull)
}

func TestCapabilitiesLoop(t *testing.T) {
	c := NewConfiguration(testHeader())
	_, err := c.AddCapability(rawCap{CapIDMSI, 0})
	require.NoError(t, err)

	c.writeRawByte(0x41, 0x40)
	assert.Len(t, c.Capabilities(), 1)
}

func TestSetIRQ(t *testing.T) {
	c := NewConfiguration(testHeader())
	c.SetIRQ(5, InterruptPinA)
	assert.Equal(t, uint32(0x0105), c.ReadReg(interruptReg))
}

func TestHexDump(t *testing.T) {
	c := NewConfiguration(testHeader())
	dump := c.HexDump(32)
	assert.Equal(t, "000: f4 1a 44 10 00 00 00 00  01 00 ff ff 00 00 00 00 \n"+
		"010: 00 00 00 00 00 00 00 00  00 00 00 00 00 00 00 00 \n", dump)
}

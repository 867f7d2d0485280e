package pci

// Standard capability IDs used by the devices in this module.
const (
	CapIDMSI            uint8 = 0x05
	CapIDVendorSpecific uint8 = 0x09
	CapIDPCIExpress     uint8 = 0x10
	CapIDMSIX           uint8 = 0x11
)

const (
	capPointerOffset = 0x34
	firstCapOffset   = 0x40
	statusCapList    = 0x0010
)

// Capability is a record for the standard capability list. Bytes returns the
// full record starting with the capability ID. The next pointer at byte 1 is
// overwritten when the record is linked into the list.
type Capability interface {
	Bytes() []byte
}

// CapabilityInfo locates one entry of the capability list.
type CapabilityInfo struct {
	ID     uint8
	Offset int
}

// Capabilities walks the capability list. A pointer that revisits an entry
// ends the walk.
func (c *Configuration) Capabilities() []CapabilityInfo {
	if uint16(c.registers[statusReg]>>16)&statusCapList == 0 {
		return nil
	}

	var caps []CapabilityInfo
	visited := make(map[int]bool)
	ptr := int(c.readByte(capPointerOffset) &^ 0x3)
	for ptr >= firstCapOffset && ptr < ConfigSpaceSize && !visited[ptr] {
		visited[ptr] = true
		caps = append(caps, CapabilityInfo{
			ID:     c.readByte(ptr),
			Offset: ptr,
		})
		ptr = int(c.readByte(ptr+1) &^ 0x3)
	}
	return caps
}

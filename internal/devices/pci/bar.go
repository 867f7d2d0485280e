package pci

// RegionType selects the layout of a memory BAR.
type RegionType uint8

const (
	Memory32BitRegion RegionType = iota
	Memory64BitRegion
)

const (
	NumBars = 6

	barMemTypeMask     = 0x6
	barMem64Bit        = 0x4
	barPrefetchable    = 0x8
	barMemAddrMask     = 0xffff_fff0
	bar0Reg            = 4
	max32BitBarAddress = uint64(1) << 32
)

// BarConfiguration describes one BAR registration.
type BarConfiguration struct {
	Index        int
	Address      uint64
	Size         uint64
	Region       RegionType
	Prefetchable bool
}

type barInfo struct {
	used bool
	size uint64
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

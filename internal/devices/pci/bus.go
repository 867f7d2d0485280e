package pci

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
)

type busEntry struct {
	Range
	dev BusDevice
}

// Bus routes trapped MMIO accesses to the device whose range contains the
// address. Ranges never overlap.
type Bus struct {
	mu       sync.RWMutex
	entries  []busEntry // sorted by Addr
	ioevents map[uint64]IoEvent
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{ioevents: make(map[uint64]IoEvent)}
}

// Insert places dev at [addr, addr+size).
func (b *Bus) Insert(dev BusDevice, addr, size uint64) error {
	r := Range{Addr: addr, Size: size}
	if size == 0 || r.End() < addr {
		return fmt.Errorf("range %#x+%#x: %w", addr, size, ErrBusRangeInvalid)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].Addr >= addr
	})
	if i > 0 && b.entries[i-1].End() > addr {
		return fmt.Errorf("range %#x+%#x: %w", addr, size, ErrBusOverlap)
	}
	if i < len(b.entries) && b.entries[i].Addr < r.End() {
		return fmt.Errorf("range %#x+%#x: %w", addr, size, ErrBusOverlap)
	}

	b.entries = append(b.entries, busEntry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = busEntry{Range: r, dev: dev}

	pciLog.WithField("addr", fmt.Sprintf("%#x", addr)).
		WithField("size", fmt.Sprintf("%#x", size)).
		Debug("bus range inserted")
	return nil
}

// RegisterIoEvent arranges for ev.Evt to be signalled on matching writes to
// ev.Addr. The bus keeps its own duplicate of the descriptor, so the caller
// keeps ownership of ev.Evt.
func (b *Bus) RegisterIoEvent(ev IoEvent) error {
	dup, err := ev.Evt.Clone()
	if err != nil {
		return fmt.Errorf("duplicate ioevent fd for %#x: %w", ev.Addr, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ioevents[ev.Addr]; ok {
		dup.Close()
		return fmt.Errorf("address %#x: %w", ev.Addr, ErrIoEventExists)
	}
	ev.Evt = dup
	b.ioevents[ev.Addr] = ev
	return nil
}

func (b *Bus) lookup(addr uint64) (busEntry, bool) {
	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].End() > addr
	})
	if i < len(b.entries) && b.entries[i].Contains(addr) {
		return b.entries[i], true
	}
	return busEntry{}, false
}

// Read dispatches a read. It reports false when no device claims addr.
func (b *Bus) Read(addr uint64, data []byte) bool {
	b.mu.RLock()
	e, ok := b.lookup(addr)
	b.mu.RUnlock()
	if !ok {
		return false
	}
	e.dev.Read(addr-e.Addr, data)
	return true
}

// Write dispatches a write. Writes that match a registered ioevent signal
// its eventfd instead of reaching the device.
func (b *Bus) Write(addr uint64, data []byte) bool {
	b.mu.RLock()
	ev, hasEvent := b.ioevents[addr]
	e, ok := b.lookup(addr)
	b.mu.RUnlock()

	if hasEvent && ev.Datamatch == leValue(data) {
		if err := ev.Evt.Write(1); err != nil {
			pciLog.WithError(err).WithField("addr", fmt.Sprintf("%#x", addr)).
				Warn("signal ioevent")
		}
		return true
	}
	if !ok {
		return false
	}
	e.dev.Write(addr-e.Addr, data)
	return true
}

// Close releases every eventfd the bus duplicated.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result *multierror.Error
	for addr, ev := range b.ioevents {
		if err := ev.Evt.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close ioevent %#x: %w", addr, err))
		}
	}
	b.ioevents = make(map[uint64]IoEvent)
	return result.ErrorOrNil()
}

func leValue(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}

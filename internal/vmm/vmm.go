// Package vmm assembles guest memory, the MMIO bus and PCI bus 0 from a
// configuration. It stands in for the hypervisor exit loop: callers feed
// trapped port and MMIO accesses to ConfigIO and Bus directly.
package vmm

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/vpci/internal/config"
	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/devices/virtio"
	"github.com/tinyrange/vpci/internal/eventfd"
	"github.com/tinyrange/vpci/internal/hv"
)

var vmmLog = logrus.WithField("source", "vmm")

// SetLogger sets the logger used by the package.
func SetLogger(logger *logrus.Entry) {
	vmmLog = logger.WithField("source", "vmm")
}

// Function is one virtio PCI function on bus 0.
type Function struct {
	Slot      int
	Transport *virtio.Transport
	Device    *virtio.Entropy
	// Ranges holds the capability BAR first, then the device BARs.
	Ranges []pci.Range
	IRQ    uint8
	// Interrupt is signalled whenever the device raises its line.
	Interrupt *eventfd.EventFd
}

// Machine owns every resource built from a Config.
type Machine struct {
	mem       *hv.Memory
	allocator *pci.LinearAllocator
	bus       *pci.Bus
	configIO  *pci.ConfigIO
	functions []*Function
}

// New builds a machine. On error everything created so far is released.
func New(cfg config.Config) (_ *Machine, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mem, err := hv.NewMemory(int(cfg.Memory))
	if err != nil {
		return nil, err
	}
	m := &Machine{
		mem:       mem,
		allocator: pci.NewLinearAllocator(cfg.MMIO.Base, cfg.MMIO.Size),
		bus:       pci.NewBus(),
		configIO:  pci.NewConfigIO(),
	}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	for i, dc := range cfg.Devices {
		fn, err := m.addDevice(cfg, dc)
		if err != nil {
			return nil, fmt.Errorf("device %d (%s): %w", i, dc.Type, err)
		}
		vmmLog.WithFields(logrus.Fields{
			"slot": fn.Slot,
			"irq":  fn.IRQ,
			"bar0": fmt.Sprintf("%#x", fn.Ranges[0].Addr),
		}).Info("virtio-pci function ready")
	}
	return m, nil
}

func (m *Machine) addDevice(cfg config.Config, dc config.DeviceConfig) (*Function, error) {
	bars := make([]pci.BarConfiguration, 0, len(dc.Bars))
	for _, b := range dc.Bars {
		region := pci.Memory32BitRegion
		if b.Is64Bit {
			region = pci.Memory64BitRegion
		}
		bars = append(bars, pci.BarConfiguration{
			Index:        b.Index,
			Size:         b.Size,
			Region:       region,
			Prefetchable: b.Prefetchable,
		})
	}
	dev := virtio.NewEntropy(virtio.EntropyConfig{QueueSize: dc.QueueSize, Bars: bars})

	transport, err := virtio.NewTransport(m.mem, dev)
	if err != nil {
		return nil, err
	}
	fn := &Function{Transport: transport, Device: dev}
	// Tracked before wiring so Close releases a half built function.
	m.functions = append(m.functions, fn)

	fn.Ranges, err = transport.AllocateBars(m.allocator)
	if err != nil {
		return nil, err
	}
	if err := m.bus.Insert(transport, fn.Ranges[0].Addr, fn.Ranges[0].Size); err != nil {
		return nil, err
	}
	for _, ev := range transport.IoEventFds() {
		if err := m.bus.RegisterIoEvent(ev); err != nil {
			return nil, err
		}
	}

	slot, err := m.configIO.AddDevice(transport)
	if err != nil {
		return nil, err
	}
	fn.Slot = slot
	fn.IRQ = cfg.IRQBase + uint8(slot)

	irq, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create irq eventfd: %w", err)
	}
	fn.Interrupt, err = irq.Clone()
	if err != nil {
		irq.Close()
		return nil, fmt.Errorf("duplicate irq eventfd: %w", err)
	}
	transport.AssignIRQ(irq, fn.IRQ, pci.InterruptPinA)
	return fn, nil
}

// Memory returns guest RAM.
func (m *Machine) Memory() hv.GuestMemory { return m.mem }

// Bus returns the MMIO bus the capability BARs are mapped on.
func (m *Machine) Bus() *pci.Bus { return m.bus }

// ConfigIO returns the port I/O configuration mechanism for bus 0.
func (m *Machine) ConfigIO() *pci.ConfigIO { return m.configIO }

// Functions returns the functions in slot order.
func (m *Machine) Functions() []*Function { return m.functions }

// Allocations lists the guest physical ranges handed out to BARs.
func (m *Machine) Allocations() []pci.Allocation { return m.allocator.Allocations() }

// Close stops every device and releases all descriptors and guest memory.
func (m *Machine) Close() error {
	var result *multierror.Error
	for _, fn := range m.functions {
		if err := fn.Transport.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("slot %d: %w", fn.Slot, err))
		}
		if fn.Interrupt != nil {
			if err := fn.Interrupt.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("slot %d irq: %w", fn.Slot, err))
			}
		}
	}
	m.functions = nil
	if err := m.bus.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := m.mem.Free(); err != nil {
		result = multierror.Append(result, fmt.Errorf("free guest memory: %w", err))
	}
	return result.ErrorOrNil()
}

package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/eventfd"
	"github.com/tinyrange/vpci/internal/hv"
)

const (
	VIRTIO_PCI_VENDOR_ID      = 0x1AF4
	VIRTIO_PCI_DEVICE_ID_BASE = 0x1040 // Modern virtio devices start at 0x1040

	virtioPCISubclassNonTransitional = 0xff
	virtioPCIRevision                = 0x01
)

// Layout of the capability BAR.
const (
	commonConfigBarOffset = 0x0000
	commonConfigSize      = 56
	isrConfigBarOffset    = 0x1000
	isrConfigSize         = 1
	deviceConfigBarOffset = 0x2000
	deviceConfigSize      = 0x1000
	notificationBarOffset = 0x3000
	notificationSize      = 0x1000

	// CapabilityBarSize is the size of the BAR holding every virtio
	// structure.
	CapabilityBarSize = 0x4000
	// NotifyOffMultiplier spaces queue notification addresses one dword
	// apart.
	NotifyOffMultiplier = 4
)

// Transport exposes a Device to the guest as a virtio 1.0 PCI function.
// Accesses are expected from a single dispatch context; only the interrupt
// status is shared with the running device.
type Transport struct {
	configuration *pci.Configuration
	common        commonConfig

	device    Device
	activated bool

	interruptStatus *InterruptStatus
	// nil while the device owns it
	interruptEvt *eventfd.EventFd

	queues []Queue
	// empty while the device owns them
	queueEvts []*eventfd.EventFd

	mem         hv.GuestMemory
	settingsBar int

	log *logrus.Entry
}

// NewTransport builds the transport for dev with one queue and one
// notification eventfd per queue the device declares.
func NewTransport(mem hv.GuestMemory, dev Device) (*Transport, error) {
	maxSizes := dev.QueueMaxSizes()
	queues := make([]Queue, 0, len(maxSizes))
	queueEvts := make([]*eventfd.EventFd, 0, len(maxSizes))
	for _, size := range maxSizes {
		evt, err := eventfd.New()
		if err != nil {
			closeEventFds(queueEvts)
			return nil, fmt.Errorf("virtio-pci: create queue eventfd: %w", err)
		}
		queueEvts = append(queueEvts, evt)
		queues = append(queues, NewQueue(size))
	}

	deviceID := uint16(VIRTIO_PCI_DEVICE_ID_BASE + dev.DeviceType())
	configuration := pci.NewConfiguration(pci.Header{
		VendorID:          VIRTIO_PCI_VENDOR_ID,
		DeviceID:          deviceID,
		Class:             pci.ClassOther,
		Subclass:          virtioPCISubclassNonTransitional,
		Revision:          virtioPCIRevision,
		HeaderType:        pci.HeaderTypeDevice,
		SubsystemVendorID: VIRTIO_PCI_VENDOR_ID,
		SubsystemID:       deviceID,
	})

	return &Transport{
		configuration:   configuration,
		device:          dev,
		interruptStatus: &InterruptStatus{},
		queues:          queues,
		queueEvts:       queueEvts,
		mem:             mem,
		log: virtioLog.WithFields(logrus.Fields{
			"device-type": dev.DeviceType(),
			"device-id":   fmt.Sprintf("%#04x", deviceID),
		}),
	}, nil
}

// Configuration returns the PCI register file.
func (t *Transport) Configuration() *pci.Configuration { return t.configuration }

// Activated reports whether the device currently owns its eventfds.
func (t *Transport) Activated() bool { return t.activated }

// DriverStatus returns the last status the driver wrote.
func (t *Transport) DriverStatus() uint8 { return t.common.driverStatus }

// InterruptStatus returns the aggregator shared with the device.
func (t *Transport) InterruptStatus() *InterruptStatus { return t.interruptStatus }

// SettingsBar is the index of the capability BAR.
func (t *Transport) SettingsBar() int { return t.settingsBar }

// Queues returns a copy of the transport's queue configuration.
func (t *Transport) Queues() []Queue {
	return append([]Queue(nil), t.queues...)
}

type barRegion int

const (
	regionNone barRegion = iota
	regionCommon
	regionISR
	regionDevice
	regionNotify
)

func classifyOffset(offset uint64) barRegion {
	switch {
	case offset < commonConfigBarOffset+commonConfigSize:
		return regionCommon
	case inRegion(offset, isrConfigBarOffset, isrConfigSize):
		return regionISR
	case inRegion(offset, deviceConfigBarOffset, deviceConfigSize):
		return regionDevice
	case inRegion(offset, notificationBarOffset, notificationSize):
		return regionNotify
	}
	return regionNone
}

func inRegion(offset, base, size uint64) bool {
	return offset >= base && offset < base+size
}

// Read handles a guest read at a capability BAR offset.
func (t *Transport) Read(offset uint64, data []byte) {
	switch classifyOffset(offset) {
	case regionCommon:
		t.common.read(offset-commonConfigBarOffset, data, t.queues, t.device)
	case regionISR:
		if len(data) > 0 {
			// Reading the ISR clears it.
			data[0] = uint8(t.interruptStatus.Take())
		}
	case regionDevice:
		t.device.ReadConfig(offset-deviceConfigBarOffset, data)
	case regionNotify:
		// Delivered through ioeventfds.
	}
}

// Write handles a guest write at a capability BAR offset and then runs the
// activation and reset checks.
func (t *Transport) Write(offset uint64, data []byte) {
	switch classifyOffset(offset) {
	case regionCommon:
		t.common.write(offset-commonConfigBarOffset, data, t.queues, t.device)
	case regionISR:
		if len(data) > 0 {
			t.interruptStatus.Ack(uint32(data[0]))
		}
	case regionDevice:
		t.device.WriteConfig(offset-deviceConfigBarOffset, data)
	case regionNotify:
		// Delivered through ioeventfds.
	}

	t.updateState()
}

func (t *Transport) driverReady() bool {
	const ready = DEVICE_ACKNOWLEDGE | DEVICE_DRIVER | DEVICE_DRIVER_OK | DEVICE_FEATURES_OK
	return t.common.driverStatus == ready && t.common.driverStatus&DEVICE_FAILED == 0
}

func (t *Transport) queuesValid() bool {
	if t.mem == nil {
		return false
	}
	for i := range t.queues {
		if !t.queues[i].IsValid(t.mem) {
			return false
		}
	}
	return true
}

func (t *Transport) updateState() {
	if !t.activated && t.driverReady() && t.queuesValid() && t.interruptEvt != nil {
		t.activate()
	}

	if t.activated && t.common.driverStatus == DEVICE_INIT {
		t.reset()
	}
}

func (t *Transport) activate() {
	a := Activation{
		Mem:       t.mem,
		Interrupt: t.interruptEvt,
		Status:    t.interruptStatus,
		Queues:    append([]Queue(nil), t.queues...),
		QueueEvts: t.queueEvts,
	}
	t.interruptEvt = nil
	t.queueEvts = nil

	if err := t.device.Activate(a); err != nil {
		// Nothing was handed over; take the eventfds back and let the
		// driver see the failure.
		t.interruptEvt = a.Interrupt
		t.queueEvts = a.QueueEvts
		t.common.driverStatus = DEVICE_FAILED
		t.log.WithError(err).Error("device activation failed")
		return
	}

	t.activated = true
	t.log.WithField("queues", len(a.Queues)).Info("device activated")
}

func (t *Transport) reset() {
	interrupt, queueEvts, ok := t.device.Reset()
	if !ok {
		t.log.Error("attempt to reset device when not implemented in underlying device")
		t.common.driverStatus = DEVICE_FAILED
		return
	}

	t.interruptEvt = interrupt
	t.queueEvts = append(t.queueEvts, queueEvts...)
	t.activated = false

	for i := range t.queues {
		t.queues[i].Reset()
	}
	t.common.queueSelect = 0
	t.log.Info("device reset by driver")
}

func (t *Transport) addPciCapabilities(bar uint8) error {
	caps := []pci.Capability{
		PciCap{
			Type:   VIRTIO_PCI_CAP_COMMON_CFG,
			Bar:    bar,
			Offset: commonConfigBarOffset,
			Length: commonConfigSize,
		},
		PciCap{
			Type:   VIRTIO_PCI_CAP_ISR_CFG,
			Bar:    bar,
			Offset: isrConfigBarOffset,
			Length: isrConfigSize,
		},
		PciCap{
			Type:   VIRTIO_PCI_CAP_DEVICE_CFG,
			Bar:    bar,
			Offset: deviceConfigBarOffset,
			Length: deviceConfigSize,
		},
		PciNotifyCap{
			PciCap: PciCap{
				Type:   VIRTIO_PCI_CAP_NOTIFY_CFG,
				Bar:    bar,
				Offset: notificationBarOffset,
				Length: notificationSize,
			},
			Multiplier: NotifyOffMultiplier,
		},
		PciCap{Type: VIRTIO_PCI_CAP_PCI_CFG},
	}
	for _, c := range caps {
		if _, err := t.configuration.AddCapability(c); err != nil {
			return &CapabilitiesSetupError{Err: err}
		}
	}
	t.settingsBar = int(bar)
	return nil
}

// AllocateBars allocates the capability BAR followed by every device BAR and
// returns the ranges in that order. A failure part way through leaves the
// earlier allocations in place.
func (t *Transport) AllocateBars(alloc pci.AddressAllocator) ([]pci.Range, error) {
	var ranges []pci.Range

	addr, err := alloc.Allocate(CapabilityBarSize, pci.BarAlignment(CapabilityBarSize))
	if err != nil {
		return nil, &IoAllocationFailedError{Size: CapabilityBarSize, Err: err}
	}
	bar, err := t.configuration.AddBar(pci.BarConfiguration{
		Index:   0,
		Address: addr,
		Size:    CapabilityBarSize,
		Region:  pci.Memory64BitRegion,
	})
	if err != nil {
		return nil, &IoRegistrationFailedError{Address: addr, Err: err}
	}
	ranges = append(ranges, pci.Range{Addr: addr, Size: CapabilityBarSize})

	if err := t.addPciCapabilities(uint8(bar)); err != nil {
		return nil, err
	}

	for _, cfg := range t.device.DeviceBars() {
		addr, err := alloc.Allocate(cfg.Size, pci.BarAlignment(cfg.Size))
		if err != nil {
			return nil, &IoAllocationFailedError{Size: cfg.Size, Err: err}
		}
		cfg.Address = addr
		if _, err := t.configuration.AddBar(*cfg); err != nil {
			return nil, &IoRegistrationFailedError{Address: addr, Err: err}
		}
		ranges = append(ranges, pci.Range{Addr: addr, Size: cfg.Size})
	}

	t.log.WithField("ranges", len(ranges)).Debug("BARs allocated")
	return ranges, nil
}

// IoEventFds maps queue i to a write of i at its notification address.
func (t *Transport) IoEventFds() []pci.IoEvent {
	notifyBase := t.configuration.BarAddress(t.settingsBar) + notificationBarOffset
	events := make([]pci.IoEvent, 0, len(t.queueEvts))
	for i, evt := range t.queueEvts {
		events = append(events, pci.IoEvent{
			Evt:       evt,
			Addr:      notifyBase + uint64(i)*NotifyOffMultiplier,
			Datamatch: uint64(i),
		})
	}
	return events
}

// AssignIRQ takes ownership of evt and programs the interrupt register.
func (t *Transport) AssignIRQ(evt *eventfd.EventFd, line uint8, pin pci.InterruptPin) {
	t.configuration.SetIRQ(line, pin)
	if t.interruptEvt != nil && t.interruptEvt != evt {
		t.interruptEvt.Close()
	}
	t.interruptEvt = evt
}

// WriteConfigRegister applies a 1, 2 or 4 byte configuration write at byte
// offset inside register regIdx. Writes crossing the register are dropped.
func (t *Transport) WriteConfigRegister(regIdx int, offset uint64, data []byte) {
	if offset >= 4 || uint64(len(data)) > 4-offset {
		return
	}

	byteOffset := regIdx*4 + int(offset)
	switch len(data) {
	case 1:
		t.configuration.WriteByte(byteOffset, data[0])
	case 2:
		t.configuration.WriteWord(byteOffset, binary.LittleEndian.Uint16(data))
	case 4:
		t.configuration.WriteReg(regIdx, binary.LittleEndian.Uint32(data))
	}
}

// ReadConfigRegister returns configuration register regIdx.
func (t *Transport) ReadConfigRegister(regIdx int) uint32 {
	return t.configuration.ReadReg(regIdx)
}

// Close releases the eventfds held by the transport. An activated device is
// reset first so that its eventfds are returned and closed too. A device that
// cannot be reset keeps running with its eventfds, which is reported as
// ErrResetUnsupported.
func (t *Transport) Close() error {
	var result *multierror.Error
	if t.activated {
		t.common.driverStatus = DEVICE_INIT
		t.reset()
		if t.activated {
			result = multierror.Append(result, fmt.Errorf("close: %w", ErrResetUnsupported))
		}
	}

	if t.interruptEvt != nil {
		if err := t.interruptEvt.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close interrupt eventfd: %w", err))
		}
		t.interruptEvt = nil
	}
	if err := closeEventFds(t.queueEvts); err != nil {
		result = multierror.Append(result, err)
	}
	t.queueEvts = nil
	return result.ErrorOrNil()
}

func closeEventFds(evts []*eventfd.EventFd) error {
	var result *multierror.Error
	for i, evt := range evts {
		if err := evt.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close queue %d eventfd: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

var _ pci.Device = (*Transport)(nil)

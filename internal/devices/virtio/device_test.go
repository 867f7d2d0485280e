package virtio

import (
	"errors"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/eventfd"
)

// fakeDevice records the calls a transport makes.
type fakeDevice struct {
	maxSizes []uint16
	bars     []*pci.BarConfiguration
	config   [16]byte

	features uint64
	acked    uint64

	activateErr      error
	resetUnsupported bool

	activations int
	resets      int
	active      *Activation
	configReads []uint64
}

func newFakeDevice(maxSizes ...uint16) *fakeDevice {
	return &fakeDevice{maxSizes: maxSizes}
}

func (d *fakeDevice) DeviceType() uint32 { return TYPE_BLOCK }

func (d *fakeDevice) QueueMaxSizes() []uint16 { return d.maxSizes }

func (d *fakeDevice) DeviceBars() []*pci.BarConfiguration { return d.bars }

func (d *fakeDevice) ReadConfig(offset uint64, data []byte) {
	d.configReads = append(d.configReads, offset)
	if offset < uint64(len(d.config)) {
		copy(data, d.config[offset:])
	}
}

func (d *fakeDevice) WriteConfig(offset uint64, data []byte) {
	if offset < uint64(len(d.config)) {
		copy(d.config[offset:], data)
	}
}

func (d *fakeDevice) Activate(a Activation) error {
	d.activations++
	if d.activateErr != nil {
		return d.activateErr
	}
	d.active = &a
	return nil
}

func (d *fakeDevice) Reset() (*eventfd.EventFd, []*eventfd.EventFd, bool) {
	if d.resetUnsupported || d.active == nil {
		return nil, nil, false
	}
	d.resets++
	a := d.active
	d.active = nil
	return a.Interrupt, a.QueueEvts, true
}

func (d *fakeDevice) Features() uint64 { return d.features }

func (d *fakeDevice) AckFeatures(features uint64) { d.acked |= features }

var errActivate = errors.New("activation refused")

var (
	_ Device            = (*fakeDevice)(nil)
	_ FeatureNegotiator = (*fakeDevice)(nil)
)

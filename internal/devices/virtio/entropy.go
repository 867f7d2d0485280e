package virtio

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/eventfd"
	"github.com/tinyrange/vpci/internal/hv"
)

// EntropyDefaultQueueSize is the queue size used when none is configured.
const EntropyDefaultQueueSize = 256

// EntropyConfig configures an Entropy device.
type EntropyConfig struct {
	// QueueSize is the maximum size of the request queue.
	QueueSize uint16
	// Bars are extra memory BARs exposed by the function.
	Bars []pci.BarConfiguration
	// Source defaults to crypto/rand.
	Source io.Reader
}

// Entropy is a virtio-rng device. Each activation runs one worker per queue
// that fills device-writable buffers from Source.
type Entropy struct {
	queueSize uint16
	bars      []*pci.BarConfiguration
	source    io.Reader

	mu      sync.Mutex
	session *entropySession
}

type entropySession struct {
	group     *errgroup.Group
	kill      *eventfd.EventFd
	interrupt *eventfd.EventFd
	queueEvts []*eventfd.EventFd
}

// NewEntropy returns an inactive entropy device.
func NewEntropy(cfg EntropyConfig) *Entropy {
	e := &Entropy{
		queueSize: cfg.QueueSize,
		source:    cfg.Source,
	}
	if e.queueSize == 0 {
		e.queueSize = EntropyDefaultQueueSize
	}
	if e.source == nil {
		e.source = rand.Reader
	}
	for i := range cfg.Bars {
		bar := cfg.Bars[i]
		e.bars = append(e.bars, &bar)
	}
	return e
}

func (e *Entropy) DeviceType() uint32 { return TYPE_RNG }

func (e *Entropy) QueueMaxSizes() []uint16 { return []uint16{e.queueSize} }

func (e *Entropy) DeviceBars() []*pci.BarConfiguration { return e.bars }

// ReadConfig fills data with zeroes; virtio-rng has no configuration
// fields.
func (e *Entropy) ReadConfig(offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func (e *Entropy) WriteConfig(offset uint64, data []byte) {}

// Active reports whether workers are running.
func (e *Entropy) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session != nil
}

// Activate implements Device.
func (e *Entropy) Activate(a Activation) error {
	if len(a.Queues) != 1 || len(a.QueueEvts) != 1 {
		return fmt.Errorf("entropy: %d queues, %d eventfds: %w",
			len(a.Queues), len(a.QueueEvts), ErrActivationQueues)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return errors.New("entropy: already active")
	}

	kill, err := eventfd.New()
	if err != nil {
		return fmt.Errorf("entropy: kill eventfd: %w", err)
	}

	s := &entropySession{
		group:     new(errgroup.Group),
		kill:      kill,
		interrupt: a.Interrupt,
		queueEvts: a.QueueEvts,
	}
	for i := range a.Queues {
		w := &entropyWorker{
			mem:       a.Mem,
			queue:     a.Queues[i],
			queueEvt:  a.QueueEvts[i],
			kill:      kill,
			interrupt: a.Interrupt,
			status:    a.Status,
			source:    e.source,
		}
		s.group.Go(w.run)
	}
	e.session = s

	virtioLog.WithField("device", "entropy").Debug("workers started")
	return nil
}

// Reset implements Device. It stops the workers and returns the eventfds
// handed over at activation.
func (e *Entropy) Reset() (*eventfd.EventFd, []*eventfd.EventFd, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.session
	if s == nil {
		return nil, nil, false
	}
	if err := s.kill.Write(1); err != nil {
		virtioLog.WithError(err).Error("entropy: signal workers")
	}
	if err := s.group.Wait(); err != nil {
		virtioLog.WithError(err).Warn("entropy: worker exited with error")
	}
	s.kill.Close()
	e.session = nil

	virtioLog.WithField("device", "entropy").Debug("workers stopped")
	return s.interrupt, s.queueEvts, true
}

type entropyWorker struct {
	mem       hv.GuestMemory
	queue     Queue
	queueEvt  *eventfd.EventFd
	kill      *eventfd.EventFd
	interrupt *eventfd.EventFd
	status    *InterruptStatus
	source    io.Reader
}

func (w *entropyWorker) run() error {
	for {
		ready, err := eventfd.Wait(-1, w.kill, w.queueEvt)
		if err != nil {
			return err
		}
		if ready[0] {
			return nil
		}
		if !ready[1] {
			continue
		}
		if _, err := w.queueEvt.Read(); err != nil && !errors.Is(err, eventfd.ErrWouldBlock) {
			return err
		}
		if err := w.process(); err != nil {
			return err
		}
	}
}

// process drains the available ring and signals the driver once. A chain
// the driver got wrong is returned with nothing written; only failures to
// reach the rings or the eventfds stop the worker.
func (w *entropyWorker) process() error {
	used := false
	for {
		chain, err := w.queue.Pop(w.mem)
		if chain == nil {
			if err != nil {
				return err
			}
			break
		}

		var written uint32
		if err == nil {
			written, err = w.fill(chain)
		}
		if err != nil {
			virtioLog.WithError(err).WithField("head", chain.Head).
				Warn("entropy: dropping malformed request")
			written = 0
		}
		if err := w.queue.AddUsed(w.mem, chain.Head, written); err != nil {
			return err
		}
		used = true
	}

	if !used {
		return nil
	}
	w.status.Raise(InterruptUsedRing)
	return w.interrupt.Write(1)
}

func (w *entropyWorker) fill(chain *DescriptorChain) (uint32, error) {
	var written uint32
	for _, d := range chain.Descriptors {
		if !d.IsWrite() || d.Len == 0 {
			continue
		}
		if !hv.CheckedRange(w.mem, d.Addr, uint64(d.Len)) {
			return written, fmt.Errorf("entropy: buffer %#x+%#x: %w", d.Addr, d.Len, hv.ErrOutOfRange)
		}
		buf := make([]byte, d.Len)
		if _, err := io.ReadFull(w.source, buf); err != nil {
			return written, fmt.Errorf("entropy: read source: %w", err)
		}
		if err := writeGuest(w.mem, d.Addr, buf); err != nil {
			return written, err
		}
		written += d.Len
	}
	return written, nil
}

var _ Device = (*Entropy)(nil)

package virtio

import "sync/atomic"

// Interrupt causes reported through the ISR register.
const (
	InterruptUsedRing     uint32 = 0x1
	InterruptConfigChange uint32 = 0x2
)

// InterruptStatus is the pending interrupt cause mask. The transport and an
// activated device share one instance by pointer; every access is a single
// atomic operation.
type InterruptStatus struct {
	bits atomic.Uint32
}

// Raise sets bits.
func (s *InterruptStatus) Raise(bits uint32) {
	s.bits.Or(bits)
}

// Take returns the pending causes and clears them.
func (s *InterruptStatus) Take() uint32 {
	return s.bits.Swap(0)
}

// Ack clears only the given bits.
func (s *InterruptStatus) Ack(bits uint32) {
	s.bits.And(^bits)
}

// Load returns the pending causes without clearing them.
func (s *InterruptStatus) Load() uint32 {
	return s.bits.Load()
}

// Package recvaccount implements the per-stream receive-completion
// counter (spec.md §4.7, §3 invariant 5): a single lock-free word packing
// an "active receive" flag, a canary bit that detects out-of-contract
// overflow, and the accumulated completed length.
//
// Bit layout of the 64-bit word (documented here since spec.md describes
// the behavior but not a concrete layout — this is this module's
// resolution of that ambiguity, recorded in DESIGN.md):
//
//	bit 63        ActiveBit  — an application receive call is in flight
//	bit 62        CanaryBit  — sticky once either operand to an add
//	                           already carried it; two canary bits set at
//	                           once is the overflow-abuse signal
//	bits 0-61     Length     — the accumulated completed byte count
package recvaccount

import "sync/atomic"

const (
	activeBit  = uint64(1) << 63
	canaryBit  = uint64(1) << 62
	lengthMask = ^(activeBit | canaryBit)
)

// Counter is the lock-free per-stream accounting word. The zero value is
// ready to use.
type Counter struct {
	v atomic.Uint64
}

// SetActive marks whether an application receive call is currently in
// flight. While active, StreamReceiveComplete must not enqueue a
// ReceiveComplete operation — the active call will observe the updated
// counter itself on return (spec §4.7).
func (c *Counter) SetActive(active bool) {
	for {
		old := c.v.Load()
		var next uint64
		if active {
			next = old | activeBit
		} else {
			next = old &^ activeBit
		}
		if old == next || c.v.CompareAndSwap(old, next) {
			return
		}
	}
}

// Active reports whether a receive call is currently marked in flight.
func (c *Counter) Active() bool {
	return c.v.Load()&activeBit != 0
}

// Length returns the currently accumulated completed byte count.
func (c *Counter) Length() uint64 {
	return c.v.Load() & lengthMask
}

// AddCompleted atomically adds length to the running total (spec §4.7
// "atomically adds the completed length to RecvCompletionLength").
//
// overflow reports the contract-violation condition of spec invariant
// 5: both the canary bit implied by this call's own length value and the
// canary bit already latched in the prior total were set at once. The
// caller must treat this as fatal to the connection (silent transport
// shutdown with status InvalidState) and must not trust Length
// afterward.
//
// queueComplete reports whether no receive call was active at the time
// of this add, meaning the caller should attempt to claim and enqueue
// the stream's pre-allocated ReceiveComplete operation (spec §4.7
// "Otherwise the pre-allocated ReceiveCompletionOperation is atomically
// fetched-and-cleared").
func (c *Counter) AddCompleted(length uint64) (overflow, queueComplete bool) {
	incomingCanary := length&canaryBit != 0
	for {
		old := c.v.Load()
		oldCanary := old&canaryBit != 0
		oldActive := old&activeBit != 0

		if incomingCanary && oldCanary {
			return true, false
		}

		oldLen := old & lengthMask
		addLen := length & lengthMask
		newLen := (oldLen + addLen) & lengthMask

		next := newLen
		if oldActive {
			next |= activeBit
		}
		if incomingCanary || oldCanary {
			next |= canaryBit
		}

		if c.v.CompareAndSwap(old, next) {
			return false, !oldActive
		}
	}
}

// Reset clears the counter entirely. Used when a stream is recycled by a
// pool (not part of normal operation, since streams don't actually get
// reused across connections in this module, but kept for test isolation
// symmetry with operation.Pool.Put's reset discipline).
func (c *Counter) Reset() {
	c.v.Store(0)
}

// Slot is the generic form of the stream's pre-allocated
// ReceiveCompleteOperation: a single reference that can be atomically
// fetched-and-cleared exactly once, so concurrent AddCompleted callers
// never double-enqueue the same operation (spec §4.7).
type Slot[T any] struct {
	p atomic.Pointer[T]
}

// NewSlot constructs a Slot already holding value.
func NewSlot[T any](value *T) *Slot[T] {
	s := &Slot[T]{}
	s.p.Store(value)
	return s
}

// FetchAndClear atomically takes the slot's value, leaving it empty. It
// returns nil if the slot was already empty (another goroutine claimed it
// first, or it was never armed).
func (s *Slot[T]) FetchAndClear() *T {
	return s.p.Swap(nil)
}

// Arm (re)populates the slot, e.g. once the worker has finished
// processing the claimed ReceiveComplete operation and the stream is
// ready to accept another.
func (s *Slot[T]) Arm(value *T) {
	s.p.Store(value)
}

// Package refcount implements the multi-kind reference count every
// Connection and Stream carries (spec.md §4.2): HandleOwner, Operation,
// and an Internal bucket for kinds outside this spec's scope. Destruction
// is signaled once the total drops to zero.
//
// Grounded on flow/limiter.go's mutex-protected counter-with-floor
// pattern: acquire/release under one lock, no decrement below zero.
package refcount

import "sync"

// Kind names a reference bucket. Counts are tracked per kind so callers
// can tell, from a leak, which caller forgot to release.
type Kind uint8

const (
	KindHandleOwner Kind = iota
	KindOperation
	KindInternal

	numKinds
)

func (k Kind) String() string {
	switch k {
	case KindHandleOwner:
		return "HandleOwner"
	case KindOperation:
		return "Operation"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Counter is a thread-safe multi-kind reference count. The zero value is
// not usable; construct with New.
type Counter struct {
	mu        sync.Mutex
	perKind   [numKinds]int32
	total     int32
	destroyed bool
	onZero    func()
}

// New returns a Counter starting at zero on every kind. onZero, if
// non-nil, is invoked exactly once, synchronously, the instant the total
// reaches zero after having been above zero at least once (Release
// triggers it; an object that is never Add-ed never fires it).
func New(onZero func()) *Counter {
	return &Counter{onZero: onZero}
}

// Add increments the count for kind by one and returns the new total
// across all kinds. Add after the counter has already reached zero and
// fired onZero is a contract violation; callers in this module never do
// it because add-ref always precedes enqueue (spec §4.2).
func (c *Counter) Add(kind Kind) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perKind[kind]++
	c.total++
	return c.total
}

// Release decrements the count for kind by one. If the total reaches
// zero as a result, onZero is invoked (outside the lock, so it may itself
// call back into this Counter's other methods without deadlocking) and
// Release reports true.
func (c *Counter) Release(kind Kind) (destroyed bool) {
	c.mu.Lock()
	if c.perKind[kind] <= 0 {
		// Contract violation: release without a matching add. Floor at
		// zero rather than going negative, mirroring flow.flowLimiter's
		// "if activeFlowsCounter <= 0 { return }" guard.
		c.mu.Unlock()
		return false
	}
	c.perKind[kind]--
	c.total--
	reachedZero := c.total == 0 && !c.destroyed
	if reachedZero {
		c.destroyed = true
	}
	c.mu.Unlock()

	if reachedZero && c.onZero != nil {
		c.onZero()
	}
	return reachedZero
}

// Count returns the current count for kind.
func (c *Counter) Count(kind Kind) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perKind[kind]
}

// Total returns the sum across all kinds.
func (c *Counter) Total() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Destroyed reports whether the total has reached zero at least once.
func (c *Counter) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

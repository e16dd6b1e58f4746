package workerpool

import (
	"errors"
	"sync"
)

const (
	unlimitedConnections = 0
)

// ErrTooManyConnections is returned by Limiter.Acquire once a partition
// already holds its configured maximum of affinitized connections.
var ErrTooManyConnections = errors.New("too many connections on this partition")

// Limiter caps the number of connections a single Partition will accept,
// the same mutex-protected acquire/release-with-floor discipline
// cloudflared's flow.Limiter uses to cap concurrent proxied flows —
// adapted here from "flows per tunnel" to "connections per partition"
// (SPEC_FULL.md §2 "Configuration", workerpool grounding).
type Limiter interface {
	// Acquire tries to reserve a connection slot. If the partition is
	// already at its configured maximum it returns ErrTooManyConnections.
	Acquire() error
	// Release gives back a connection slot.
	Release()
	// SetLimit hot-swaps the maximum, e.g. when a partition is being
	// drained ahead of a graceful restart.
	SetLimit(uint64)
}

type connLimiter struct {
	mu        sync.Mutex
	active    uint64
	max       uint64
	unlimited bool
}

// NewLimiter returns a Limiter capping a partition at maxConnections
// affinitized connections. maxConnections == 0 means unlimited.
func NewLimiter(maxConnections uint64) Limiter {
	return &connLimiter{
		max:       maxConnections,
		unlimited: isUnlimited(maxConnections),
	}
}

func (l *connLimiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.unlimited && l.active >= l.max {
		return ErrTooManyConnections
	}

	l.active++
	return nil
}

func (l *connLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active <= 0 {
		return
	}

	l.active--
}

func (l *connLimiter) SetLimit(newMax uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.max = newMax
	l.unlimited = isUnlimited(newMax)
}

func isUnlimited(value uint64) bool {
	return value == unlimitedConnections
}

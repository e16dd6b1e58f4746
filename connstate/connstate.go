// Package connstate implements the connection state machine (spec.md
// §4.6): a bitset tracking Started/Connected/ClosedLocally/ClosedRemotely/
// HandleClosed/Freed/InlineApiExecution/ResumptionEnabled/BackUpOperUsed,
// plus the transitions each public API call is allowed to make.
//
// Grounded on the nearest analogous closed, private state-tracking the
// teacher uses for its own (simpler) connection lifecycle
// (connection/quic_connection.go keeps plain struct fields, never a
// generic FSM library); this module needs atomic, concurrently-readable
// bits instead, so it is built on sync/atomic rather than copied verbatim.
package connstate

import (
	"sync/atomic"

	"github.com/cloudflare/quicapi/status"
)

// Bit names one state flag. Bits are independent (not mutually
// exclusive), matching spec §4.6's enumeration.
type Bit uint32

const (
	Started Bit = 1 << iota
	Connected
	ClosedLocally
	ClosedRemotely
	HandleClosed
	Freed
	InlineAPIExecution
	ResumptionEnabled
	BackUpOperUsed
)

// Role distinguishes client- from server-initiated connections; several
// transitions are role-gated (spec §4.6).
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// State is the connection's atomic bitset. The zero value is a fresh,
// unstarted client connection with no bits set.
type State struct {
	bits atomic.Uint32
	role Role
}

// New returns a State for a connection of the given role.
func New(role Role) *State {
	return &State{role: role}
}

func (s *State) Role() Role { return s.role }

// Has reports whether every bit in mask is currently set.
func (s *State) Has(mask Bit) bool {
	return s.bits.Load()&uint32(mask) == uint32(mask)
}

// Set atomically ORs mask into the bitset.
func (s *State) Set(mask Bit) {
	for {
		old := s.bits.Load()
		next := old | uint32(mask)
		if old == next || s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Clear atomically ANDs mask out of the bitset.
func (s *State) Clear(mask Bit) {
	for {
		old := s.bits.Load()
		next := old &^ uint32(mask)
		if old == next || s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetInline runs fn with InlineAPIExecution set, restoring the prior
// value on exit — spec §4.3 step 3's "set State.InlineApiExecution = true
// (remember prior value, restore on exit)".
func (s *State) SetInline(fn func()) {
	was := s.Has(InlineAPIExecution)
	s.Set(InlineAPIExecution)
	defer func() {
		if !was {
			s.Clear(InlineAPIExecution)
		}
	}()
	fn()
}

// CheckStart validates the preconditions for ConnectionStart (spec
// §4.6): !Started, !ClosedLocally, client role, caller must supply
// either a remote address or a server name (validated by the dispatcher,
// not here — this only checks state bits and role).
func (s *State) CheckStart() error {
	if s.role != RoleClient {
		return status.New(status.InvalidState)
	}
	if s.Has(Started) {
		return status.New(status.InvalidState)
	}
	if s.Has(ClosedLocally) {
		return status.New(status.InvalidState)
	}
	return nil
}

// CheckSetConfiguration validates ConnectionSetConfiguration: server
// role, no prior configuration (hasConfiguration is supplied by the
// caller since the configuration reference itself lives outside this
// package).
func (s *State) CheckSetConfiguration(hasConfiguration bool) error {
	if s.role != RoleServer {
		return status.New(status.InvalidState)
	}
	if hasConfiguration {
		return status.New(status.InvalidState)
	}
	return nil
}

// CheckSendResumptionTicket validates ConnectionSendResumptionTicket:
// server role, ResumptionEnabled, Connected, and handshake-complete
// (Connected doubles as "handshake complete" in this state machine, spec
// §4.6 "Connected — set when the handshake completes").
func (s *State) CheckSendResumptionTicket() error {
	if s.role != RoleServer {
		return status.New(status.InvalidState)
	}
	if !s.Has(ResumptionEnabled) {
		return status.New(status.InvalidState)
	}
	if !s.Has(Connected) {
		// SPEC_FULL.md open-question decision: queuing the ticket to send
		// once connected is an explicit non-feature; reject instead.
		return status.New(status.InvalidState)
	}
	return nil
}

// ClaimBackUpOper implements the compare-and-swap "claimed at most once
// per connection" rule for the back-up operation slot (spec invariant 6).
// It returns true exactly once across this State's lifetime.
func (s *State) ClaimBackUpOper() bool {
	for {
		old := s.bits.Load()
		if old&uint32(BackUpOperUsed) != 0 {
			return false
		}
		next := old | uint32(BackUpOperUsed)
		if s.bits.CompareAndSwap(old, next) {
			return true
		}
	}
}

// MarkHandleClosed transitions HandleClosed from false to true exactly
// once, returning whether this call performed the transition (spec
// invariant 3).
func (s *State) MarkHandleClosed() (didTransition bool) {
	for {
		old := s.bits.Load()
		if old&uint32(HandleClosed) != 0 {
			return false
		}
		next := old | uint32(HandleClosed)
		if s.bits.CompareAndSwap(old, next) {
			return true
		}
	}
}

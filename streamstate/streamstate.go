// Package streamstate implements the stream state machine (spec.md
// §4.7): a bitset tracking Started/SendEnabled/SendShutdown/RecvShutdown/
// ReceivedStopSending/PeerStreamStartEventActive/UseAppOwnedRecvBuffers/
// HandleClosed/Freed, plus StreamShutdown's flag-combination rules.
//
// Grounded the same way connstate is: a closed, private bitset built on
// sync/atomic, since the teacher never needed a generic FSM library for
// its own (simpler) per-stream bookkeeping.
package streamstate

import (
	"sync/atomic"

	"github.com/cloudflare/quicapi/status"
)

// Bit names one stream state flag.
type Bit uint32

const (
	Started Bit = 1 << iota
	SendEnabled
	AllDataSent
	SendShutdownInitiated
	SendShutdownComplete
	RecvShutdownInitiated
	RecvShutdownComplete
	ReceivedStopSending
	PeerStreamStartEventActive
	UseAppOwnedRecvBuffers
	HandleClosed
	Freed
)

// ShutdownFlag mirrors the caller-supplied flags to StreamShutdown (spec
// §4.7, §6).
type ShutdownFlag uint32

const (
	FlagNone          ShutdownFlag = 0
	FlagGraceful      ShutdownFlag = 1 << 0
	FlagAbort         ShutdownFlag = 1 << 1
	FlagAbortSend     ShutdownFlag = 1 << 2
	FlagAbortReceive  ShutdownFlag = 1 << 3
	FlagImmediate     ShutdownFlag = 1 << 4
	FlagSilent        ShutdownFlag = 1 << 5
	FlagInline        ShutdownFlag = 1 << 6
)

// ValidateShutdownFlags enforces spec §4.7's StreamShutdown flag-
// combination rules:
//   - Graceful is mutually exclusive with Abort/Immediate.
//   - Immediate must co-occur with both AbortSend and AbortReceive.
//   - Zero flags or Silent alone are invalid.
func ValidateShutdownFlags(f ShutdownFlag) error {
	meaningful := f &^ (FlagSilent | FlagInline)
	if meaningful == 0 {
		return status.New(status.InvalidParameter)
	}
	if f&FlagGraceful != 0 && f&(FlagAbort|FlagImmediate) != 0 {
		return status.New(status.InvalidParameter)
	}
	if f&FlagImmediate != 0 && (f&FlagAbortSend == 0 || f&FlagAbortReceive == 0) {
		return status.New(status.InvalidParameter)
	}
	return nil
}

// StreamRole distinguishes the local/remote initiator and uni/bidi shape;
// tracked here only insofar as it gates whether the stream has a send
// side at all (spec glossary "may be unidirectional or bidirectional").
type StreamRole uint8

const (
	RoleBidirectional StreamRole = iota
	RoleSendOnly
	RoleRecvOnly
)

// State is the stream's atomic bitset.
type State struct {
	bits atomic.Uint32
	role StreamRole
}

// New returns a State for a stream of the given role. SendEnabled starts
// set for any role with a send side, matching "Send-side states: open →
// started → ..." (spec §4.7) where "open" already permits sends to be
// queued before StreamStart (spec scenario 3).
func New(role StreamRole) *State {
	s := &State{role: role}
	if role != RoleRecvOnly {
		s.Set(SendEnabled)
	}
	return s
}

func (s *State) Role() StreamRole { return s.role }

func (s *State) Has(mask Bit) bool {
	return s.bits.Load()&uint32(mask) == uint32(mask)
}

func (s *State) Set(mask Bit) {
	for {
		old := s.bits.Load()
		next := old | uint32(mask)
		if old == next || s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *State) Clear(mask Bit) {
	for {
		old := s.bits.Load()
		next := old &^ uint32(mask)
		if old == next || s.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// SendShutdownReason reports why further StreamSend calls would fail, for
// the dispatcher's StreamSend lock-protected check (spec §4.3 "if
// SendEnabled is false, it fails (Aborted if the peer sent a StopSending
// or closed, InvalidState otherwise)").
func (s *State) SendShutdownReason() error {
	if s.Has(SendEnabled) {
		return nil
	}
	if s.Has(ReceivedStopSending) {
		return status.New(status.Aborted)
	}
	return status.New(status.InvalidState)
}

// BothSidesTerminal reports whether both the send and receive directions
// have reached a terminal state, the precondition for the stream's
// internal references to drop (spec §4.7 "Both sides must reach a
// terminal state ... before the stream's internal references drop").
func (s *State) BothSidesTerminal() bool {
	sendDone := s.role == RoleRecvOnly || s.Has(SendShutdownComplete)
	recvDone := s.role == RoleSendOnly || s.Has(RecvShutdownComplete)
	return sendDone && recvDone
}

// CanProvideReceiveBuffers implements the "only before any data has been
// received" rule for StreamProvideReceiveBuffers, enforced via the
// PeerStreamStartEventActive flag when called inline from the
// peer-stream-started callback (spec §4.7). Once UseAppOwnedRecvBuffers
// is set it is permanent: subsequent calls are idempotent no-ops rather
// than errors, since the switch has already committed.
func (s *State) CanProvideReceiveBuffers() error {
	if s.Has(UseAppOwnedRecvBuffers) {
		return nil
	}
	if !s.Has(PeerStreamStartEventActive) {
		return status.New(status.InvalidState)
	}
	return nil
}

// MarkHandleClosed transitions HandleClosed exactly once (spec invariant
// 3, applied to streams).
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

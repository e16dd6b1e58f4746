// Package handle implements the opaque, kind-tagged handle pattern that
// every public quicapi entry point validates before touching any state.
//
// Internally a Handle is a typed enumeration rather than an unchecked
// pointer cast: callers downcast through Kind() and the Entity accessors,
// which is the Go-native replacement for msquic's C-style reinterpret
// casts.
package handle

import "sync/atomic"

// Kind tags the concrete entity behind a Handle.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRegistration
	KindConfiguration
	KindListener
	KindConnectionClient
	KindConnectionServer
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindRegistration:
		return "Registration"
	case KindConfiguration:
		return "Configuration"
	case KindListener:
		return "Listener"
	case KindConnectionClient:
		return "ConnectionClient"
	case KindConnectionServer:
		return "ConnectionServer"
	case KindStream:
		return "Stream"
	default:
		return "Invalid"
	}
}

// IsConnection reports whether k identifies either connection role.
func (k Kind) IsConnection() bool {
	return k == KindConnectionClient || k == KindConnectionServer
}

// Handle is the opaque value returned to applications. Entity is the
// concrete object behind the tag (a *quicapi.Connection or
// *quicapi.Stream in practice); callers of this package only ever compare
// Kind and check Freed before dereferencing Entity.
type Handle struct {
	kind   Kind
	entity any
	freed  atomic.Bool
}

// New wraps entity with the given kind. entity must not be nil.
func New(kind Kind, entity any) *Handle {
	return &Handle{kind: kind, entity: entity}
}

// Kind returns the handle's tag. Safe to call on a nil Handle (returns
// KindInvalid), mirroring spec §4.1: "a mismatched or null tag fails with
// InvalidParameter before any other access."
func (h *Handle) Kind() Kind {
	if h == nil {
		return KindInvalid
	}
	return h.kind
}

// Freed reports whether MarkFreed has been called. Once true, the
// handle's Entity must never be read again (spec invariant 1).
func (h *Handle) Freed() bool {
	if h == nil {
		return true
	}
	return h.freed.Load()
}

// MarkFreed transitions the handle to Freed exactly once; subsequent
// calls are no-ops, matching spec invariant 3's "transitions... exactly
// once" discipline applied to handle lifetime rather than just
// HandleClosed.
func (h *Handle) MarkFreed() {
	h.freed.Store(true)
}

// Entity returns the wrapped object. Callers must check Freed() first;
// Entity does not itself guard against use-after-free, since enforcing
// that would require locking on every access, which the spec forbids on
// this hot path (§5 "the worker does not suspend mid-operation").
func (h *Handle) Entity() any {
	return h.entity
}

// Check validates h against one of the acceptable kinds. It returns false
// (InvalidParameter-worthy) when h is nil, freed, or not one of kinds.
func Check(h *Handle, kinds ...Kind) bool {
	if h == nil || h.Freed() {
		return false
	}
	for _, k := range kinds {
		if h.kind == k {
			return true
		}
	}
	return false
}

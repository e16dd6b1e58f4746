// Package status defines the result codes returned across the quicapi
// public surface, and maps errors from the underlying quic-go transport
// onto them.
package status

import (
	"errors"
	"fmt"

	quic "github.com/lucas-clemente/quic-go"
)

// Code is a result returned synchronously from a public API call, or
// attached to an asynchronous completion/shutdown callback.
type Code int

const (
	Success Code = iota
	Pending
	InvalidParameter
	InvalidState
	OutOfMemory
	Aborted
	ConnectionTimeout
	ConnectionIdle
	UserCanceled
	AlpnNegFailure
	ConnectionRefused
	AddressInUse
	Unreachable
	BufferTooSmall
	InternalError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case Pending:
		return "Pending"
	case InvalidParameter:
		return "InvalidParameter"
	case InvalidState:
		return "InvalidState"
	case OutOfMemory:
		return "OutOfMemory"
	case Aborted:
		return "Aborted"
	case ConnectionTimeout:
		return "ConnectionTimeout"
	case ConnectionIdle:
		return "ConnectionIdle"
	case UserCanceled:
		return "UserCanceled"
	case AlpnNegFailure:
		return "AlpnNegFailure"
	case ConnectionRefused:
		return "ConnectionRefused"
	case AddressInUse:
		return "AddressInUse"
	case Unreachable:
		return "Unreachable"
	case BufferTooSmall:
		return "BufferTooSmall"
	case InternalError:
		return "InternalError"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error wraps a Code so it can be returned as a Go error while still
// carrying the machine-readable code for callers that want it.
type Error struct {
	Code  Code
	cause error
}

func New(code Code) error {
	return &Error{Code: code}
}

func Wrap(code Code, cause error) error {
	return &Error{Code: code, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is allows errors.Is(err, status.New(status.InvalidState)) to match any
// *Error carrying the same Code, regardless of the wrapped cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Of extracts the Code from err, defaulting to InternalError for unmapped
// errors and Success for nil.
func Of(err error) Code {
	if err == nil {
		return Success
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return FromTransport(err)
}

// FromTransport maps quic-go's error taxonomy onto the spec's status
// codes; this is the "implementation specific codes mapped 1:1 from the
// underlying platform" clause in spec.md §6, made concrete because
// quic-go is the concrete platform backing transportconn.
func FromTransport(err error) Code {
	if err == nil {
		return Success
	}

	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return ConnectionIdle
	}

	var handshakeErr *quic.HandshakeTimeoutError
	if errors.As(err, &handshakeErr) {
		return ConnectionTimeout
	}

	var transportErr *quic.TransportError
	if errors.As(err, &transportErr) {
		if transportErr.ErrorCode == quic.ConnectionRefused {
			return ConnectionRefused
		}
		return InternalError
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return Aborted
	}

	return InternalError
}

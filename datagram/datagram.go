// Package datagram implements the unreliable, unordered
// DatagramSend path (spec.md §6 "DatagramSend"), grounded on the
// teacher's QUIC datagram stack (quic/datagram.go's SendMessage framing
// and quic/v3/datagram.go's per-send acknowledgement/cancellation
// bookkeeping), generalized from cloudflared's session-multiplexed UDP
// payloads to a single opaque application payload per send.
package datagram

import (
	"errors"

	"github.com/google/uuid"
)

// MaxLength is the largest payload DatagramSend accepts (spec §6
// "total length ≤ 2¹⁶−1").
const MaxLength = (1 << 16) - 1

// ErrTooLarge is returned when the combined buffers exceed MaxLength.
var ErrTooLarge = errors.New("datagram: payload exceeds 2^16-1 bytes")

// Send is one pending DatagramSend call. TraceID is the send's own
// correlation id (SPEC_FULL §3); DatagramSend hands the send to the
// transport directly, without an Operation, so no Operation.Trace is
// attached to it.
type Send struct {
	TraceID       uuid.UUID
	Payload       []byte
	Priority      bool
	ClientContext any

	// Acked and Canceled are set by the transport binding once the
	// underlying QUIC stack reports the datagram's fate: quic-go itself
	// only reports send-time errors, so Acked stays false unless the
	// caller's transport also wires up an application-level ack scheme
	// (msquic datagrams are send-and-forget by default; this mirrors
	// that, with the fields present for transports that do ack).
	Acked    bool
	Canceled bool
}

// NewSend validates and copies the caller's buffers into a single
// contiguous payload, since quic-go's Connection.SendMessage takes one
// []byte rather than a vector (spec §3 "borrowed buffer vector ...
// copied before the call returns, since DatagramSend completes
// synchronously up to the point of handoff to the transport").
func NewSend(buffers [][]byte, priority bool, clientContext any) (*Send, error) {
	var total int
	for _, b := range buffers {
		total += len(b)
		if total > MaxLength {
			return nil, ErrTooLarge
		}
	}
	payload := make([]byte, 0, total)
	for _, b := range buffers {
		payload = append(payload, b...)
	}
	return &Send{
		TraceID:       uuid.New(),
		Payload:       payload,
		Priority:      priority,
		ClientContext: clientContext,
	}, nil
}

// Sender is the transport-level hook datagram.Deliver drives; transportconn
// satisfies it by wrapping quic.Connection.SendMessage.
type Sender interface {
	SendDatagram(payload []byte) error
}

// Deliver hands a Send to the transport and reports whether it was
// accepted for transmission. A transport-level failure (e.g. the peer
// hasn't negotiated datagram support, or the frame is still too big for
// the negotiated max_datagram_frame_size) is surfaced to the caller as
// an error rather than retried, matching msquic's "send is best effort"
// contract.
func Deliver(sender Sender, s *Send) error {
	if err := sender.SendDatagram(s.Payload); err != nil {
		s.Canceled = true
		return err
	}
	return nil
}

// CompletionFunc mirrors sendqueue.CompletionFunc so the same dispatcher
// pattern handles both stream sends and datagram sends (spec §4.5/§4.12
// share the "opaque client context plus canceled flag" completion
// contract).
type CompletionFunc func(clientContext any, canceled bool)

// Complete invokes cb once the datagram's fate is known.
func Complete(s *Send, cb CompletionFunc) {
	cb(s.ClientContext, s.Canceled)
}

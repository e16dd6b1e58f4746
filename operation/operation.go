// Package operation defines the tagged-union work item that flows through
// a connection's opqueue.Queue, plus the partitioned pool it is allocated
// from (spec.md §3 "Operation", §4.4).
package operation

import (
	"sync"

	"github.com/google/uuid"
)

// Type tags an Operation's variant. The field set each Type actually uses
// is documented on the corresponding Operation field group below; this
// mirrors msquic's tagged union without requiring a real union type.
type Type uint8

const (
	TypeConnectionClose Type = iota
	TypeConnectionShutdown
	TypeConnectionStart
	TypeConnectionSetConfiguration
	TypeConnectionSendResumptionTicket
	TypeConnectionCompleteResumptionTicketValidation
	TypeConnectionCompleteCertificateValidation
	TypeStreamClose
	TypeStreamStart
	TypeStreamShutdown
	TypeStreamSend
	TypeStreamReceiveSetEnabled
	TypeStreamReceiveComplete
	TypeStreamProvideReceiveBuffers
	TypeGetParam
	TypeSetParam
	TypePeerStreamStarted
)

func (t Type) String() string {
	names := [...]string{
		"ConnectionClose", "ConnectionShutdown", "ConnectionStart",
		"ConnectionSetConfiguration", "ConnectionSendResumptionTicket",
		"ConnectionCompleteResumptionTicketValidation",
		"ConnectionCompleteCertificateValidation",
		"StreamClose", "StreamStart", "StreamShutdown", "StreamSend",
		"StreamReceiveSetEnabled", "StreamReceiveComplete",
		"StreamProvideReceiveBuffers", "GetParam", "SetParam",
		"PeerStreamStarted",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return "Unknown"
}

// Priority is the queue class an Operation is enqueued into (spec §4.4).
type Priority uint8

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityHighest
)

// ShutdownParams is the payload for TypeConnectionShutdown.
type ShutdownParams struct {
	Flags                 uint32
	ErrorCode             uint64
	RegistrationShutdown  bool
	TransportShutdown     bool
}

// StartParams is the payload for TypeConnectionStart.
type StartParams struct {
	Configuration any
	ServerName    string
	ServerPort    uint16
	AddressFamily uint8
}

// SetConfigurationParams is the payload for TypeConnectionSetConfiguration.
type SetConfigurationParams struct {
	Configuration any
}

// SendResumptionTicketParams is the payload for
// TypeConnectionSendResumptionTicket.
type SendResumptionTicketParams struct {
	Flags    uint32
	AppData  []byte
}

// ResumptionTicketValidationParams is the payload for
// TypeConnectionCompleteResumptionTicketValidation.
type ResumptionTicketValidationParams struct {
	Result bool
}

// CertificateValidationParams is the payload for
// TypeConnectionCompleteCertificateValidation.
type CertificateValidationParams struct {
	Result  bool
	TLSAlert uint8
}

// StreamRef identifies the stream an operation acts on. It is declared as
// `any` here to avoid an import cycle with the root quicapi package;
// concrete code asserts it back to *quicapi.Stream.
type StreamRef = any

// StreamStartParams is the payload for TypeStreamStart.
type StreamStartParams struct {
	Stream StreamRef
	Flags  uint32
}

// StreamShutdownParams is the payload for TypeStreamShutdown.
type StreamShutdownParams struct {
	Stream    StreamRef
	Flags     uint32
	ErrorCode uint64
}

// StreamCloseParams is the payload for TypeStreamClose.
type StreamCloseParams struct {
	Stream StreamRef
}

// StreamSendParams is the payload for TypeStreamSend: the worker reads the
// stream's own pending send-request list, so no buffers travel here.
type StreamSendParams struct {
	Stream StreamRef
}

// StreamReceiveSetEnabledParams is the payload for
// TypeStreamReceiveSetEnabled.
type StreamReceiveSetEnabledParams struct {
	Stream  StreamRef
	Enabled bool
}

// StreamReceiveCompleteParams is the payload for
// TypeStreamReceiveComplete.
type StreamReceiveCompleteParams struct {
	Stream StreamRef
}

// StreamProvideReceiveBuffersParams is the payload for
// TypeStreamProvideReceiveBuffers.
type StreamProvideReceiveBuffersParams struct {
	Stream StreamRef
	Chunks [][]byte
}

// PeerStreamStartedParams is the payload for TypePeerStreamStarted: the
// transport's accept loop has already constructed the stream entity by the
// time this operation is enqueued, so the worker only needs to deliver the
// application callback (spec §4.2 "NewStream indication for each stream
// the peer opens").
type PeerStreamStartedParams struct {
	Stream StreamRef
}

// ParamOp is the shared payload shape for TypeGetParam/TypeSetParam.
type ParamOp struct {
	Handle       any
	Param        uint32
	Buffer       []byte
	BufferLength uint32
	OutStatus    *int
	HighPriority bool
}

// Operation is the tagged union of work items enqueued on a connection's
// opqueue.Queue. Exactly one of the *Params fields is meaningful,
// selected by Type.
type Operation struct {
	Type  Type
	Trace uuid.UUID

	// FreeAfterProcess is true for pool-allocated operations (returned to
	// the Pool after the worker processes them) and false for the
	// connection's reserved back-up operation or any stack-allocated
	// operation used by a blocking call (spec §4.4).
	FreeAfterProcess bool

	// Completion, if non-nil, is signaled by the worker after processing
	// (spec §4.3 step 5 "blocking operations ... wait forever for it").
	Completion *Completion

	// OutStatus, if non-nil, receives the result code before Completion
	// is signaled.
	OutStatus *status

	Shutdown             *ShutdownParams
	Start                *StartParams
	SetConfiguration     *SetConfigurationParams
	SendResumptionTicket *SendResumptionTicketParams
	ResumptionValidation *ResumptionTicketValidationParams
	CertValidation       *CertificateValidationParams
	StreamStart          *StreamStartParams
	StreamShutdown       *StreamShutdownParams
	StreamClose          *StreamCloseParams
	StreamSend           *StreamSendParams
	StreamRecvEnabled    *StreamReceiveSetEnabledParams
	StreamRecvComplete   *StreamReceiveCompleteParams
	StreamProvideBufs    *StreamProvideReceiveBuffersParams
	Param                *ParamOp
	PeerStreamStarted    *PeerStreamStartedParams
}

// status is a narrow alias kept private so operation doesn't import the
// status package and create a cycle with callers that import both;
// callers set *op.OutStatus using the integer value of their status.Code.
type status = int

// reset clears an Operation for reuse from the Pool. Not exported:
// callers go through Pool.Put.
func (op *Operation) reset() {
	*op = Operation{}
}

// NewCompletion allocates a one-shot completion event. Blocking API calls
// create one on the stack (conceptually — in Go it is heap-allocated
// automatically) and wait on it after enqueue (spec §4.3 step 5).
func NewCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Completion is a single-fire event a worker signals when it finishes
// processing a blocking Operation.
type Completion struct {
	once sync.Once
	done chan struct{}
}

// Signal wakes any waiter. Safe to call more than once; only the first
// call has an effect.
func (c *Completion) Signal() {
	c.once.Do(func() { close(c.done) })
}

// Wait blocks until Signal is called.
func (c *Completion) Wait() {
	<-c.done
}

// Channel exposes the underlying channel for select-based waits (e.g. a
// caller that also wants to observe ctx.Done()).
func (c *Completion) Channel() <-chan struct{} {
	return c.done
}

package quicapi

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cloudflare/quicapi/connstate"
	"github.com/cloudflare/quicapi/handle"
	"github.com/cloudflare/quicapi/operation"
	"github.com/cloudflare/quicapi/opqueue"
	"github.com/cloudflare/quicapi/refcount"
	"github.com/cloudflare/quicapi/status"
	"github.com/cloudflare/quicapi/streamstate"
	"github.com/cloudflare/quicapi/transportconn"
	"github.com/cloudflare/quicapi/workerpool"
)

// ConnectionEvent tags the callback invocations a Connection delivers to
// the application, always from its owning worker (spec §3 "callback +
// opaque context set at open").
type ConnectionEvent int

const (
	EventConnected ConnectionEvent = iota
	EventShutdownInitiated
	EventShutdownComplete
	EventPeerStreamStarted
	EventResumptionTicketReceived
	EventResumptionTicketValidationPending
	EventCertificateValidationPending
)

func (e ConnectionEvent) String() string {
	switch e {
	case EventConnected:
		return "Connected"
	case EventShutdownInitiated:
		return "ShutdownInitiated"
	case EventShutdownComplete:
		return "ShutdownComplete"
	case EventPeerStreamStarted:
		return "PeerStreamStarted"
	case EventResumptionTicketReceived:
		return "ResumptionTicketReceived"
	case EventResumptionTicketValidationPending:
		return "ResumptionTicketValidationPending"
	case EventCertificateValidationPending:
		return "CertificateValidationPending"
	default:
		return "Unknown"
	}
}

// ConnectionCallback is the application-provided lifecycle handler (spec
// §9 "Model application callbacks as a required capability the caller
// provides"). It always runs on the connection's owning worker, inline or
// queued per §4.3.
type ConnectionCallback func(conn *Connection, event ConnectionEvent, data any)

// Connection is the typed entity behind a KindConnectionClient/
// KindConnectionServer handle (spec §3 "Connection").
type Connection struct {
	id     uint64
	kind   handle.Kind
	Handle *handle.Handle

	callback ConnectionCallback
	appCtx   any

	engine    *Engine
	partition *workerpool.Partition
	queue     *opqueue.Queue
	state     *connstate.State
	refs      *refcount.Counter
	logger    *zerolog.Logger

	mu            sync.Mutex
	transport     *transportconn.Conn
	configuration any
	serverName    string
	streams       map[int64]*Stream
	nextStreamID  int64
	idleTimeoutMs uint64

	acceptCancel context.CancelFunc

	// backUpOper is the single reserved operation used for OOM-recovery
	// shutdown (spec invariant 6, §9 "Back-up operation slot"). It is
	// never returned to a Pool (FreeAfterProcess stays false).
	backUpOper operation.Operation
}

// ID satisfies workerpool.ConnWorker.
func (c *Connection) ID() uint64 { return c.id }

// Queue satisfies workerpool.ConnWorker.
func (c *Connection) Queue() *opqueue.Queue { return c.queue }

// IsServer reports the connection's role (spec §3 "client/server role").
func (c *Connection) IsServer() bool { return c.kind == handle.KindConnectionServer }

// emit invokes the application callback unless the handle has already
// been closed, enforcing spec invariant 4 ("after HandleClosed becomes
// true, no further application callback is invoked").
func (c *Connection) emit(event ConnectionEvent, data any) {
	if c.state.Has(connstate.HandleClosed) {
		return
	}
	if c.callback != nil {
		c.callback(c, event, data)
	}
}

// claimBackUpOperation implements spec §4.3 step 3's OOM-recovery path:
// claim the back-up slot via CAS, and if the claim succeeds, populate it
// as a silent transport shutdown carrying the given status.
func (c *Connection) claimBackUpOperation(code status.Code) (*operation.Operation, bool) {
	if !c.state.ClaimBackUpOper() {
		return nil, false
	}
	op := &c.backUpOper
	op.Type = operation.TypeConnectionShutdown
	op.FreeAfterProcess = false
	out := int(code)
	op.OutStatus = &out
	op.Shutdown = &operation.ShutdownParams{
		TransportShutdown: true,
		ErrorCode:         uint64(code),
	}
	return op, true
}

// ProcessOperation is the worker-side entry every queued (or inline)
// Operation funnels through. It runs InlineApiExecution bracketing via
// connstate.State.SetInline so spec invariant 2 ("WorkerThreadID equals
// the current thread's id iff the worker owns the connection") holds for
// any reentrant call this handler makes.
func (c *Connection) ProcessOperation(op *operation.Operation) {
	c.state.SetInline(func() {
		c.process(op)
	})
	if op.Completion != nil {
		op.Completion.Signal()
	}
	if op.FreeAfterProcess {
		if pool := c.opPool(); pool != nil {
			pool.Put(op)
		}
	}
	c.refs.Release(refcount.KindOperation)
}

func (c *Connection) opPool() *operation.Pool {
	if c.partition == nil {
		return nil
	}
	return c.partition.OperationPool()
}

func (c *Connection) process(op *operation.Operation) {
	switch op.Type {
	case operation.TypeConnectionClose:
		c.processClose(op)
	case operation.TypeConnectionShutdown:
		c.processShutdown(op)
	case operation.TypeConnectionStart:
		c.processStart(op)
	case operation.TypeConnectionSetConfiguration:
		c.processSetConfiguration(op)
	case operation.TypeConnectionSendResumptionTicket:
		c.processSendResumptionTicket(op)
	case operation.TypeConnectionCompleteResumptionTicketValidation:
		c.processResumptionValidation(op)
	case operation.TypeConnectionCompleteCertificateValidation:
		c.processCertValidation(op)
	case operation.TypeStreamStart, operation.TypeStreamClose,
		operation.TypeStreamShutdown, operation.TypeStreamSend,
		operation.TypeStreamReceiveSetEnabled, operation.TypeStreamReceiveComplete,
		operation.TypeStreamProvideReceiveBuffers:
		c.processStreamOp(op)
	case operation.TypeGetParam, operation.TypeSetParam:
		c.processParam(op)
	case operation.TypePeerStreamStarted:
		c.processPeerStreamStarted(op)
	}
}

// startAcceptingPeerStreams launches the loop that turns every stream the
// peer opens into a Stream entity and delivers EventPeerStreamStarted,
// grounded on the teacher's quicConnection.acceptStream goroutine
// (connection/quic.go). It is idempotent: a connection with no transport
// yet, or one already running the loop, is a no-op.
func (c *Connection) startAcceptingPeerStreams() {
	c.mu.Lock()
	if c.acceptCancel != nil || c.transport == nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.acceptCancel = cancel
	transport := c.transport
	c.mu.Unlock()
	go c.acceptPeerStreamsLoop(ctx, transport)
}

func (c *Connection) acceptPeerStreamsLoop(ctx context.Context, transport *transportconn.Conn) {
	for {
		qs, err := transport.AcceptPeerStream(ctx)
		if err != nil {
			c.logger.Err(err).Msg("peer stream accept loop exiting")
			return
		}
		if qs == nil {
			return
		}
		s := newStream(c, int64(qs.StreamID()), streamstate.RoleBidirectional, nil, nil, c.logger)
		s.transport = transportconn.NewStream(qs, streamWriteTimeout, c.logger)
		s.state.Set(streamstate.Started)
		s.Handle = handle.New(handle.KindStream, s)
		c.addStream(s)
		s.startReceiving()
		c.refs.Add(refcount.KindOperation)
		op := &operation.Operation{
			Type:             operation.TypePeerStreamStarted,
			FreeAfterProcess: false,
			PeerStreamStarted: &operation.PeerStreamStartedParams{
				Stream: s,
			},
		}
		if !c.queue.Enqueue(op, operation.PriorityNormal) {
			c.refs.Release(refcount.KindOperation)
			continue
		}
		c.partition.Notify()
	}
}

// processPeerStreamStarted delivers EventPeerStreamStarted with
// PeerStreamStartEventActive set for the duration of the callback, the
// window in which StreamProvideReceiveBuffers is permitted to commit a
// peer-initiated stream to application-owned buffers even before the
// application has otherwise touched it (spec §4.7).
func (c *Connection) processPeerStreamStarted(op *operation.Operation) {
	if op.PeerStreamStarted == nil {
		return
	}
	s, ok := op.PeerStreamStarted.Stream.(*Stream)
	if !ok {
		return
	}
	s.state.Set(streamstate.PeerStreamStartEventActive)
	c.emit(EventPeerStreamStarted, s)
	s.state.Clear(streamstate.PeerStreamStartEventActive)
}

func (c *Connection) processClose(op *operation.Operation) {
	if !c.state.Has(connstate.HandleClosed) {
		c.emit(EventShutdownComplete, nil)
		c.state.MarkHandleClosed()
	}
	c.queue.Close()
	c.mu.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()
	for _, s := range streams {
		s.markHandleClosed()
	}
	c.mu.Lock()
	cancel := c.acceptCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if c.transport != nil {
		_ = c.transport.CloseWithError(0, "")
	}
	if c.partition != nil {
		c.partition.Unregister(c)
	}
}

func (c *Connection) processShutdown(op *operation.Operation) {
	flags := uint32(0)
	var errorCode uint64
	if op.Shutdown != nil {
		flags = op.Shutdown.Flags
		errorCode = op.Shutdown.ErrorCode
	}
	alreadyClosed := c.state.Has(connstate.ClosedLocally)
	c.state.Set(connstate.ClosedLocally)
	if !alreadyClosed {
		c.emit(EventShutdownInitiated, errorCode)
	}
	if c.transport != nil {
		_ = c.transport.CloseWithError(errorCode, "")
	}
	_ = flags
}

func (c *Connection) processStart(op *operation.Operation) {
	// dispatcher.go's ConnectionStart already ran transportconn.Dial to
	// completion and populated c.transport before enqueueing this
	// operation; all that is left is the state-transition bookkeeping and
	// the application-visible Connected indication.
	if op.Start != nil {
		c.mu.Lock()
		c.configuration = op.Start.Configuration
		c.serverName = op.Start.ServerName
		c.mu.Unlock()
	}
	c.state.Set(connstate.Connected)
	c.emit(EventConnected, nil)
}

func (c *Connection) processSetConfiguration(op *operation.Operation) {
	if op.SetConfiguration != nil {
		c.mu.Lock()
		c.configuration = op.SetConfiguration.Configuration
		c.mu.Unlock()
	}
}

func (c *Connection) processSendResumptionTicket(op *operation.Operation) {
	c.emit(EventResumptionTicketReceived, op.SendResumptionTicket)
}

func (c *Connection) processResumptionValidation(op *operation.Operation) {
	_ = op
}

func (c *Connection) processCertValidation(op *operation.Operation) {
	_ = op
}

// addStream registers s in the connection's stream map under its current
// id. It does not assign ids: StreamOpen passes a negative id from
// allocStreamID, and peer-initiated streams arrive with their transport id.
func (c *Connection) addStream(s *Stream) {
	c.mu.Lock()
	if c.streams == nil {
		c.streams = make(map[int64]*Stream)
	}
	c.streams[s.id] = s
	c.mu.Unlock()
}

func (c *Connection) removeStream(id int64) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// allocStreamID hands out a locally-unique negative id for streams opened
// before a transportconn.Stream (and its real QUIC stream id) exists yet;
// StreamStart reconciles it with the transport's id once the stream is
// actually opened on the wire.
func (c *Connection) allocStreamID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextStreamID--
	return c.nextStreamID
}

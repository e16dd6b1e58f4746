package quicapi

import (
	"context"
	"encoding/binary"
	"sync/atomic"

	"github.com/cloudflare/quicapi/connstate"
	"github.com/cloudflare/quicapi/datagram"
	"github.com/cloudflare/quicapi/handle"
	"github.com/cloudflare/quicapi/operation"
	"github.com/cloudflare/quicapi/opqueue"
	"github.com/cloudflare/quicapi/refcount"
	"github.com/cloudflare/quicapi/sendqueue"
	"github.com/cloudflare/quicapi/status"
	"github.com/cloudflare/quicapi/streamstate"
	"github.com/cloudflare/quicapi/transportconn"
)

// maxServerNameLength bounds ConnectionStart's serverName argument (spec
// §6 "serverName ≤ the maximum server-name length"), matching the
// practical TLS SNI ceiling.
const maxServerNameLength = 253

// maxResumptionAppDataLength bounds ConnectionSendResumptionTicket's data
// argument (spec §6).
const maxResumptionAppDataLength = 1 << 16

func priorityOf(highPriority bool) operation.Priority {
	if highPriority {
		return operation.PriorityHigh
	}
	return operation.PriorityNormal
}

// resolveConnection validates h against the connection kinds and returns
// its typed entity (spec §4.1).
func resolveConnection(h *handle.Handle) (*Connection, error) {
	if !handle.Check(h, handle.KindConnectionClient, handle.KindConnectionServer) {
		return nil, status.New(status.InvalidParameter)
	}
	c, ok := h.Entity().(*Connection)
	if !ok {
		return nil, status.New(status.InvalidParameter)
	}
	return c, nil
}

// resolveStream validates h as a KindStream handle and dereferences its
// parent connection, rejecting a stream whose own handle or whose
// connection's handle is Freed. The HandleClosed bits of the stream and
// of the connection are not checked here.
func resolveStream(h *handle.Handle) (*Stream, error) {
	if !handle.Check(h, handle.KindStream) {
		return nil, status.New(status.InvalidParameter)
	}
	s, ok := h.Entity().(*Stream)
	if !ok || s.conn == nil || s.conn.Handle.Freed() {
		return nil, status.New(status.InvalidParameter)
	}
	return s, nil
}

// isInline reports whether this call should run directly rather than be
// queued: CustomExecutions is enabled globally, or the calling goroutine
// is already inside this connection's own worker-driven callback (spec
// §4.3 step 3). Go has no OS-thread identity to compare against msquic's
// WorkerThreadID, so the reentrancy signal this module uses instead is
// connstate.InlineAPIExecution, which is only ever set while
// Connection.ProcessOperation is running this connection's handler on its
// owning partition goroutine (see connection.go's SetInline bracket).
func (e *Engine) isInline(c *Connection) bool {
	return e.custom || c.state.Has(connstate.InlineAPIExecution)
}

// runInline executes fn with InlineAPIExecution bracketed (spec §4.3 step
// 3 "remember prior value, restore on exit"), used by callers that are
// not already inside Connection.ProcessOperation's own bracket (i.e. the
// CustomExecutions-enabled path).
func (c *Connection) runInline(fn func()) {
	c.state.SetInline(fn)
}

// enqueueOrOOM allocates an Operation from c's partition pool and
// enqueues it at the given priority. On allocation failure it returns
// status.OutOfMemory; no state has been committed at that point (spec
// §4.3 step 3 "On allocation failure ... return OutOfMemory").
func (e *Engine) enqueueOrOOM(c *Connection, t operation.Type, priority operation.Priority, populate func(op *operation.Operation)) (*operation.Operation, error) {
	pool := c.opPool()
	if pool == nil {
		return nil, status.New(status.InternalError)
	}
	op, ok := pool.TryGet(t)
	if !ok {
		return nil, status.New(status.OutOfMemory)
	}
	populate(op)
	c.refs.Add(refcount.KindOperation)
	if !c.queue.Enqueue(op, priority) {
		pool.Put(op)
		c.refs.Release(refcount.KindOperation)
		return nil, status.New(status.InvalidState)
	}
	c.partition.Notify()
	return op, nil
}

// escalateShutdownOOM implements the "allocation failure after a send
// request (or a receive-completion canary overflow) has already been
// committed" path (spec §4.8): claim the back-up slot and force a silent
// transport shutdown with the given status, at highest priority. It is a
// no-op if the back-up slot was already claimed (the connection is
// already tearing down).
func (c *Connection) escalateShutdownOOM(code status.Code) {
	op, ok := c.claimBackUpOperation(code)
	if !ok {
		return
	}
	c.refs.Add(refcount.KindOperation)
	c.queue.Enqueue(op, operation.PriorityHighest)
	if c.partition != nil {
		c.partition.Notify()
	}
}

// --- Connection API -------------------------------------------------

func (e *Engine) newConnectionLocked(role connstate.Role, partitionIndex int, cb ConnectionCallback, appCtx any) (*Connection, error) {
	part, err := e.pool.Partition(partitionIndex)
	if err != nil {
		return nil, status.New(status.InvalidParameter)
	}
	c := &Connection{
		id:       e.nextConnID(),
		kind:     handle.KindConnectionClient,
		callback: cb,
		appCtx:   appCtx,
		engine:   e,
		state:    connstate.New(role),
		logger:   e.logger,
		streams:  make(map[int64]*Stream),
	}
	if role == connstate.RoleServer {
		c.kind = handle.KindConnectionServer
	}
	c.Handle = handle.New(c.kind, c)
	c.refs = refcount.New(func() {
		c.Handle.MarkFreed()
		if e.metrics != nil {
			e.metrics.ConnectionsActive.Dec()
			e.metrics.EntitiesDestroyed.WithLabelValues("connection").Inc()
		}
	})
	var depth opqueue.DepthGauge
	if e.metrics != nil {
		g := e.metrics.NewQueueDepthGauge()
		depth = g
	}
	c.queue = opqueue.New(depth)
	c.partition = part
	if err := part.Register(c); err != nil {
		return nil, status.New(status.OutOfMemory)
	}
	c.refs.Add(refcount.KindHandleOwner)
	if e.metrics != nil {
		e.metrics.ConnectionsActive.Inc()
	}
	return c, nil
}

// ConnectionOpen allocates a client connection, round-robining across
// partitions by connection sequence number (spec §6).
func (e *Engine) ConnectionOpen(reg *handle.Handle, cb ConnectionCallback, appCtx any) (status.Code, *handle.Handle) {
	if !handle.Check(reg, handle.KindRegistration) {
		return status.InvalidParameter, nil
	}
	idx := int(atomic.LoadUint64(&e.connSeq) % uint64(e.pool.PartitionCount()))
	c, err := e.newConnectionLocked(connstate.RoleClient, idx, cb, appCtx)
	if err != nil {
		return status.Of(err), nil
	}
	return status.Success, c.Handle
}

// ConnectionOpenInPartition is ConnectionOpen pinned to a caller-chosen
// partition (spec §6).
func (e *Engine) ConnectionOpenInPartition(reg *handle.Handle, partitionIndex int, cb ConnectionCallback, appCtx any) (status.Code, *handle.Handle) {
	if !handle.Check(reg, handle.KindRegistration) {
		return status.InvalidParameter, nil
	}
	if partitionIndex < 0 || partitionIndex >= e.pool.PartitionCount() {
		return status.InvalidParameter, nil
	}
	c, err := e.newConnectionLocked(connstate.RoleClient, partitionIndex, cb, appCtx)
	if err != nil {
		return status.Of(err), nil
	}
	return status.Success, c.Handle
}

// AcceptConnection constructs a server-role connection for an already-
// accepted transport session. Listener/accept itself is out of this
// module's scope (spec §1); this is the seam a caller driving
// transportconn.Listener uses to hand the accepted session to the
// connection-processing core. Once constructed, the connection starts its
// own peer-stream accept loop (spec §4.2 "NewStream indication for each
// stream the peer opens").
func (e *Engine) AcceptConnection(reg *handle.Handle, session *transportconn.Conn, partitionIndex int, cb ConnectionCallback, appCtx any) (status.Code, *handle.Handle) {
	if !handle.Check(reg, handle.KindRegistration) {
		return status.InvalidParameter, nil
	}
	if partitionIndex < 0 || partitionIndex >= e.pool.PartitionCount() {
		return status.InvalidParameter, nil
	}
	c, err := e.newConnectionLocked(connstate.RoleServer, partitionIndex, cb, appCtx)
	if err != nil {
		return status.Of(err), nil
	}
	c.mu.Lock()
	c.transport = session
	c.mu.Unlock()
	c.state.Set(connstate.Connected)
	c.emit(EventConnected, nil)
	c.startAcceptingPeerStreams()
	return status.Success, c.Handle
}

// ConnectionClose blocks until the worker has processed the close
// (spec §6 "blocking; releases the application reference").
func (e *Engine) ConnectionClose(h *handle.Handle) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	run := func() { c.processClose(&operation.Operation{Type: operation.TypeConnectionClose}) }
	if e.isInline(c) {
		c.runInline(run)
	} else {
		op, aerr := e.enqueueOrOOM(c, operation.TypeConnectionClose, operation.PriorityHighest, func(op *operation.Operation) {
			op.Completion = operation.NewCompletion()
		})
		if aerr != nil {
			return status.Of(aerr)
		}
		op.Completion.Wait()
	}
	c.refs.Release(refcount.KindHandleOwner)
	return status.Success
}

// ConnectionShutdown is non-blocking (spec §6); duplicate shutdowns are
// coalesced (invariant 7).
func (e *Engine) ConnectionShutdown(h *handle.Handle, flags uint32, errorCode uint64) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	populate := func(op *operation.Operation) {
		op.Shutdown = &operation.ShutdownParams{Flags: flags, ErrorCode: errorCode}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeConnectionShutdown}
		populate(op)
		c.runInline(func() { c.processShutdown(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeConnectionShutdown, operation.PriorityHighest, populate); aerr != nil {
		// A shutdown that fails to allocate MUST still happen: fall back
		// to the reserved back-up slot (spec §4.3 step 3).
		c.escalateShutdownOOM(status.Of(aerr))
	}
	return status.Pending
}

// ConnectionStart is client-only (spec §4.6, §6).
func (e *Engine) ConnectionStart(h *handle.Handle, cfg any, family uint8, serverName string, port uint16) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	if len(serverName) > maxServerNameLength {
		return status.InvalidParameter
	}
	if port == 0 {
		return status.InvalidParameter
	}
	if serverName == "" && family == 0 {
		return status.InvalidParameter
	}
	if cerr := c.state.CheckStart(); cerr != nil {
		return status.Of(cerr)
	}
	c.state.Set(connstate.Started)
	serverNameCopy := append([]byte(nil), serverName...)
	startParams := &operation.StartParams{
		Configuration: cfg,
		ServerName:    string(serverNameCopy),
		ServerPort:    port,
		AddressFamily: family,
	}

	// The handshake itself happens here, synchronously, before the
	// state-transition operation is even allocated: msquic's own
	// ConnectionStart returns Pending and completes the handshake on the
	// connection's worker, but quic-go's Dial already blocks for the same
	// round trip, so there is nothing left for the worker to wait on.
	session, derr := transportconn.Dial(context.Background(), startParams, c.partition.Index(), e.localIP, c.logger)
	if derr != nil {
		c.state.Clear(connstate.Started)
		return status.Of(derr)
	}
	c.mu.Lock()
	c.transport = transportconn.NewConn(session)
	c.mu.Unlock()
	c.startAcceptingPeerStreams()

	populate := func(op *operation.Operation) {
		op.Start = startParams
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeConnectionStart}
		populate(op)
		c.runInline(func() { c.processStart(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeConnectionStart, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// ConnectionSetConfiguration is server-only, exactly once (spec §6).
func (e *Engine) ConnectionSetConfiguration(h *handle.Handle, cfg any) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	c.mu.Lock()
	hasCfg := c.configuration != nil
	c.mu.Unlock()
	if cerr := c.state.CheckSetConfiguration(hasCfg); cerr != nil {
		return status.Of(cerr)
	}
	populate := func(op *operation.Operation) {
		op.SetConfiguration = &operation.SetConfigurationParams{Configuration: cfg}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeConnectionSetConfiguration}
		populate(op)
		c.runInline(func() { c.processSetConfiguration(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeConnectionSetConfiguration, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// ConnectionSendResumptionTicket is server-only, post-handshake (spec §6).
func (e *Engine) ConnectionSendResumptionTicket(h *handle.Handle, flags uint32, data []byte) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	if len(data) > maxResumptionAppDataLength {
		return status.InvalidParameter
	}
	if cerr := c.state.CheckSendResumptionTicket(); cerr != nil {
		return status.Of(cerr)
	}
	dataCopy := append([]byte(nil), data...)
	populate := func(op *operation.Operation) {
		op.SendResumptionTicket = &operation.SendResumptionTicketParams{Flags: flags, AppData: dataCopy}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeConnectionSendResumptionTicket}
		populate(op)
		c.runInline(func() { c.processSendResumptionTicket(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeConnectionSendResumptionTicket, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// ConnectionResumptionTicketValidationComplete replies to a previously
// indicated pending validation event (spec §6).
func (e *Engine) ConnectionResumptionTicketValidationComplete(h *handle.Handle, result bool) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	populate := func(op *operation.Operation) {
		op.ResumptionValidation = &operation.ResumptionTicketValidationParams{Result: result}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeConnectionCompleteResumptionTicketValidation}
		populate(op)
		c.runInline(func() { c.processResumptionValidation(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeConnectionCompleteResumptionTicketValidation, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// ConnectionCertificateValidationComplete replies to a previously
// indicated pending certificate-validation event (spec §6).
func (e *Engine) ConnectionCertificateValidationComplete(h *handle.Handle, result bool, tlsAlert uint8) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	populate := func(op *operation.Operation) {
		op.CertValidation = &operation.CertificateValidationParams{Result: result, TLSAlert: tlsAlert}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeConnectionCompleteCertificateValidation}
		populate(op)
		c.runInline(func() { c.processCertValidation(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeConnectionCompleteCertificateValidation, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// --- Stream API -------------------------------------------------------

// StreamOpen allocates a stream against a connection (or, for symmetry
// with msquic's handle-overload, a handle that is itself already a
// stream's connection back-pointer) (spec §6).
func (e *Engine) StreamOpen(connHandle *handle.Handle, flags uint32, cb StreamCallback, appCtx any) (status.Code, *handle.Handle) {
	c, err := resolveConnection(connHandle)
	if err != nil {
		return status.Of(err), nil
	}
	if c.state.Has(connstate.HandleClosed) {
		return status.InvalidState, nil
	}
	role := streamstate.RoleBidirectional
	id := c.allocStreamID()
	s := newStream(c, id, role, cb, appCtx, c.logger)
	s.Handle = handle.New(handle.KindStream, s)
	c.addStream(s)
	if e.metrics != nil {
		e.metrics.StreamsActive.Inc()
	}
	return status.Success, s.Handle
}

// StreamSetCallbackHandler attaches the application's callback and opaque
// context to a stream the application did not open itself — the peer-
// initiated stream handed over via EventPeerStreamStarted, which otherwise
// carries no callback (spec §4.2).
func (e *Engine) StreamSetCallbackHandler(h *handle.Handle, cb StreamCallback, appCtx any) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	s.mu.Lock()
	s.callback = cb
	s.appCtx = appCtx
	s.mu.Unlock()
	return status.Success
}

// StreamClose is blocking unless the stream's shutdown-complete callback
// has already fired (spec §4.7, §6).
func (e *Engine) StreamClose(h *handle.Handle) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	c := s.conn
	alreadyShutdown := s.state.BothSidesTerminal()
	run := func() { s.processClose(&operation.Operation{Type: operation.TypeStreamClose}) }
	if e.isInline(c) {
		c.runInline(run)
		return status.Success
	}
	populate := func(op *operation.Operation) {
		op.StreamClose = &operation.StreamCloseParams{Stream: s}
		if !alreadyShutdown {
			op.Completion = operation.NewCompletion()
		}
	}
	op, aerr := e.enqueueOrOOM(c, operation.TypeStreamClose, operation.PriorityNormal, populate)
	if aerr != nil {
		return status.Of(aerr)
	}
	if op.Completion != nil {
		op.Completion.Wait()
	}
	return status.Success
}

// StreamStart is non-blocking, with an optional priority bit (spec §6).
func (e *Engine) StreamStart(h *handle.Handle, flags uint32) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	c := s.conn
	priority := priorityOf(flags&flagHighPriority != 0)
	populate := func(op *operation.Operation) {
		op.StreamStart = &operation.StreamStartParams{Stream: s, Flags: flags}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeStreamStart}
		populate(op)
		c.runInline(func() { s.processStart(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeStreamStart, priority, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// flagHighPriority is the caller-visible bit selecting the priority queue
// class for calls that accept a flags+priority combination (spec §4.4,
// §6 "optional priority bit in flags").
const flagHighPriority uint32 = 1 << 31

// StreamShutdown validates the flag-combination rules from spec §4.7
// before queueing or running inline.
func (e *Engine) StreamShutdown(h *handle.Handle, flags uint32, errorCode uint64) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	sf := streamstate.ShutdownFlag(flags)
	if verr := streamstate.ValidateShutdownFlags(sf); verr != nil {
		return status.Of(verr)
	}
	c := s.conn
	populate := func(op *operation.Operation) {
		op.StreamShutdown = &operation.StreamShutdownParams{Stream: s, Flags: flags, ErrorCode: errorCode}
	}
	if sf&streamstate.FlagInline != 0 || e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeStreamShutdown}
		populate(op)
		c.runInline(func() { s.processShutdown(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeStreamShutdown, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// StreamSend implements the special flow from spec §4.3: allocate the
// request, append under the stream's own lock, decide QueueOper from
// whether the queue was already non-empty, then decide inline-vs-queued
// only for the flush operation itself. On allocation failure after the
// request has already been appended, escalate to a silent transport
// shutdown (spec §4.8) since the caller already observed the send as
// accepted.
func (e *Engine) StreamSend(h *handle.Handle, buffers [][]byte, flags uint32, clientContext any) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	req, rerr := sendqueue.NewRequest(buffers, flags, clientContext)
	if rerr != nil {
		return status.InvalidParameter
	}
	c := s.conn
	queueOper, qerr := s.queueSend(req)
	if qerr != nil {
		return status.Of(qerr)
	}
	if e.isInline(c) {
		c.runInline(func() { s.processSend(nil) })
		return status.Success
	}
	if !queueOper {
		// A flush is already queued; the worker will pick this request up
		// when it drains, spec §4.3 "the worker will pick up the new
		// request when it processes the already-queued flush."
		return status.Pending
	}
	priority := priorityOf(flags&flagHighPriority != 0)
	populate := func(op *operation.Operation) {
		op.StreamSend = &operation.StreamSendParams{Stream: s}
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeStreamSend, priority, populate); aerr != nil {
		// The request is already in the queue and cannot be removed (spec
		// §4.3); escalate instead of reporting the failure back to this
		// call, which already returned the request as accepted.
		c.escalateShutdownOOM(status.Of(aerr))
	}
	return status.Pending
}

// StreamReceiveSetEnabled toggles whether the stream is currently
// accepting a StreamReceiveComplete-driven delivery (spec §6).
func (e *Engine) StreamReceiveSetEnabled(h *handle.Handle, enabled bool) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	c := s.conn
	populate := func(op *operation.Operation) {
		op.StreamRecvEnabled = &operation.StreamReceiveSetEnabledParams{Stream: s, Enabled: enabled}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeStreamReceiveSetEnabled}
		populate(op)
		c.runInline(func() { s.processReceiveSetEnabled(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeStreamReceiveSetEnabled, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// StreamReceiveComplete is lock-free (spec §4.7, invariant 5). A canary
// overflow escalates to a silent connection shutdown with InvalidState;
// an active in-flight receive call suppresses queueing a completion
// operation since that call will observe the updated counter itself.
func (e *Engine) StreamReceiveComplete(h *handle.Handle, length uint64) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	s.completeReceive(length)
	return status.Success
}

// StreamProvideReceiveBuffers switches the stream to application-owned
// receive buffers, permanently, if the precondition holds (spec §4.7).
func (e *Engine) StreamProvideReceiveBuffers(h *handle.Handle, buffers [][]byte) status.Code {
	s, err := resolveStream(h)
	if err != nil {
		return status.Of(err)
	}
	for _, b := range buffers {
		if len(b) == 0 {
			return status.InvalidParameter
		}
	}
	c := s.conn
	chunks := make([][]byte, len(buffers))
	copy(chunks, buffers)
	populate := func(op *operation.Operation) {
		op.StreamProvideBufs = &operation.StreamProvideReceiveBuffersParams{Stream: s, Chunks: chunks}
	}
	if e.isInline(c) {
		op := &operation.Operation{Type: operation.TypeStreamProvideReceiveBuffers}
		populate(op)
		c.runInline(func() { s.processProvideReceiveBuffers(op) })
		return status.Success
	}
	if _, aerr := e.enqueueOrOOM(c, operation.TypeStreamProvideReceiveBuffers, operation.PriorityNormal, populate); aerr != nil {
		return status.Of(aerr)
	}
	return status.Pending
}

// --- Datagram -----------------------------------------------------

// DatagramSend sends an unreliable payload over the connection's
// transport (spec §6); total length ≤ 2¹⁶−1.
func (e *Engine) DatagramSend(h *handle.Handle, buffers [][]byte, priority bool, clientContext any) status.Code {
	c, err := resolveConnection(h)
	if err != nil {
		return status.Of(err)
	}
	send, derr := datagram.NewSend(buffers, priority, clientContext)
	if derr != nil {
		return status.InvalidParameter
	}
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()
	if transport == nil {
		return status.InvalidState
	}
	if derr := datagram.Deliver(transport, send); derr != nil {
		return status.Of(status.Wrap(status.InternalError, derr))
	}
	return status.Success
}

// --- Param ----------------------------------------------------------

// SetParam writes a parameter; a nil handle addresses a global param
// (spec §6).
func (e *Engine) SetParam(h *handle.Handle, param Param, buffer []byte, highPriority bool) status.Code {
	return e.doParam(operation.TypeSetParam, h, param, buffer, highPriority)
}

// GetParam reads a parameter; a nil handle addresses a global param
// (spec §6).
func (e *Engine) GetParam(h *handle.Handle, param Param, buffer []byte, highPriority bool) status.Code {
	return e.doParam(operation.TypeGetParam, h, param, buffer, highPriority)
}

func (e *Engine) doParam(t operation.Type, h *handle.Handle, param Param, buffer []byte, highPriority bool) status.Code {
	if h == nil {
		return e.globalParam(t, param, buffer)
	}
	var c *Connection
	var target any
	switch h.Kind() {
	case handle.KindConnectionClient, handle.KindConnectionServer:
		conn, err := resolveConnection(h)
		if err != nil {
			return status.Of(err)
		}
		c, target = conn, conn
	case handle.KindStream:
		s, err := resolveStream(h)
		if err != nil {
			return status.Of(err)
		}
		c, target = s.conn, s
	default:
		return status.InvalidParameter
	}
	out := int(status.InternalError)
	populate := func(op *operation.Operation) {
		op.Param = &operation.ParamOp{
			Handle:       target,
			Param:        uint32(param),
			Buffer:       buffer,
			BufferLength: uint32(len(buffer)),
			OutStatus:    &out,
			HighPriority: highPriority,
		}
	}
	priority := priorityOf(highPriority)
	if e.isInline(c) {
		op := &operation.Operation{Type: t}
		populate(op)
		c.runInline(func() { c.processParam(op) })
		return status.Code(out)
	}
	op, aerr := e.enqueueOrOOM(c, t, priority, func(op *operation.Operation) {
		populate(op)
		op.Completion = operation.NewCompletion()
	})
	if aerr != nil {
		return status.Of(aerr)
	}
	op.Completion.Wait()
	return status.Code(out)
}

// globalParam answers a null-handle param synchronously: global params
// touch no connection's state, so they never enter a worker's queue
// (spec §6 "global params use null handle").
func (e *Engine) globalParam(t operation.Type, param Param, buffer []byte) status.Code {
	if t != operation.TypeGetParam {
		return status.InvalidParameter
	}
	switch param {
	case ParamGlobalPartitionCount:
		if len(buffer) < 8 {
			return status.BufferTooSmall
		}
		binary.LittleEndian.PutUint64(buffer, uint64(e.pool.PartitionCount()))
		return status.Success
	default:
		return status.InvalidParameter
	}
}

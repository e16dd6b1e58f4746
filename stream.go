package quicapi

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cloudflare/quicapi/handle"
	"github.com/cloudflare/quicapi/operation"
	"github.com/cloudflare/quicapi/recvaccount"
	"github.com/cloudflare/quicapi/refcount"
	"github.com/cloudflare/quicapi/sendqueue"
	"github.com/cloudflare/quicapi/status"
	"github.com/cloudflare/quicapi/streamstate"
	"github.com/cloudflare/quicapi/transportconn"
)

// streamRecvBufSize sizes the scratch buffer the receive loop reads into
// before a stream has committed to application-owned buffers.
const streamRecvBufSize = 4096

// streamWriteTimeout bounds how long a single FlushSend write may block
// before it is treated as a stalled peer, mirroring the teacher's
// SafeStreamCloser default.
const streamWriteTimeout = 30 * time.Second

// StreamSendFlagFin marks a StreamSend call as the last one on the send
// side: once its buffers are written, FlushSend closes the stream's write
// direction (spec §4.5 "the final send on a stream may be marked to close
// the send side once flushed").
const StreamSendFlagFin uint32 = 1 << 0

// StreamEvent tags the callback invocations a Stream delivers to the
// application (spec §4.7, §6).
type StreamEvent int

const (
	EventStreamStartComplete StreamEvent = iota
	EventStreamSendComplete
	EventStreamReceive
	EventStreamSendShutdownComplete
	EventStreamShutdownComplete
	EventStreamPeerSendAborted
	EventStreamPeerReceiveAborted
)

func (e StreamEvent) String() string {
	switch e {
	case EventStreamStartComplete:
		return "StreamStartComplete"
	case EventStreamSendComplete:
		return "StreamSendComplete"
	case EventStreamReceive:
		return "StreamReceive"
	case EventStreamSendShutdownComplete:
		return "StreamSendShutdownComplete"
	case EventStreamShutdownComplete:
		return "StreamShutdownComplete"
	case EventStreamPeerSendAborted:
		return "StreamPeerSendAborted"
	case EventStreamPeerReceiveAborted:
		return "StreamPeerReceiveAborted"
	default:
		return "Unknown"
	}
}

// StreamCallback is the application-provided per-stream handler, always
// invoked from the owning connection's worker (spec §4.7).
type StreamCallback func(s *Stream, event StreamEvent, data any)

// Stream is the typed entity behind a KindStream handle (spec §3
// "Stream").
type Stream struct {
	id     int64
	Handle *handle.Handle
	conn   *Connection

	callback StreamCallback
	appCtx   any

	state     *streamstate.State
	sends     *sendqueue.Queue
	recv      recvaccount.Counter
	recvOp    *recvaccount.Slot[operation.Operation]
	logger    *zerolog.Logger
	transport *transportconn.Stream

	// recvChunks holds application-owned receive buffers handed over by
	// StreamProvideReceiveBuffers but not yet consumed by the receive
	// loop (spec §4.7 "linked into a per-stream chunk list").
	recvChunks [][]byte
	recvCancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

func newStream(conn *Connection, id int64, role streamstate.StreamRole, cb StreamCallback, appCtx any, logger *zerolog.Logger) *Stream {
	s := &Stream{
		id:       id,
		conn:     conn,
		callback: cb,
		appCtx:   appCtx,
		state:    streamstate.New(role),
		sends:    &sendqueue.Queue{},
		logger:   logger,
	}
	s.recvOp = recvaccount.NewSlot(&operation.Operation{
		Type:             operation.TypeStreamReceiveComplete,
		FreeAfterProcess: false,
		StreamRecvComplete: &operation.StreamReceiveCompleteParams{
			Stream: s,
		},
	})
	return s
}

// ID returns the stream's id, matching transportconn.Stream.ID() where a
// transport stream backs this one.
func (s *Stream) ID() int64 { return s.id }

// emit invokes the application callback unless the stream's handle has
// already been closed, either by StreamClose or by ConnectionClose, which
// marks every stream of the connection closed (spec invariant 4).
func (s *Stream) emit(event StreamEvent, data any) {
	if s.state.Has(streamstate.HandleClosed) {
		return
	}
	if s.callback != nil {
		s.callback(s, event, data)
	}
}

func (s *Stream) markHandleClosed() {
	if !s.state.Has(streamstate.HandleClosed) {
		s.emit(EventStreamShutdownComplete, nil)
		s.state.MarkHandleClosed()
	}
}

// processStreamOp dispatches a stream-typed operation dequeued by the
// owning Connection's worker (called only from Connection.process, itself
// already inside the worker's single-threaded drain loop, spec invariant
// 2).
func (c *Connection) processStreamOp(op *operation.Operation) {
	switch op.Type {
	case operation.TypeStreamStart:
		if op.StreamStart == nil {
			return
		}
		s, ok := op.StreamStart.Stream.(*Stream)
		if !ok {
			return
		}
		s.processStart(op)
	case operation.TypeStreamShutdown:
		if op.StreamShutdown == nil {
			return
		}
		s, ok := op.StreamShutdown.Stream.(*Stream)
		if !ok {
			return
		}
		s.processShutdown(op)
	case operation.TypeStreamClose:
		if op.StreamClose == nil {
			return
		}
		s, ok := op.StreamClose.Stream.(*Stream)
		if !ok {
			return
		}
		s.processClose(op)
	case operation.TypeStreamSend:
		if op.StreamSend == nil {
			return
		}
		s, ok := op.StreamSend.Stream.(*Stream)
		if !ok {
			return
		}
		s.processSend(op)
	case operation.TypeStreamReceiveSetEnabled:
		if op.StreamRecvEnabled == nil {
			return
		}
		s, ok := op.StreamRecvEnabled.Stream.(*Stream)
		if !ok {
			return
		}
		s.processReceiveSetEnabled(op)
	case operation.TypeStreamReceiveComplete:
		if op.StreamRecvComplete == nil {
			return
		}
		s, ok := op.StreamRecvComplete.Stream.(*Stream)
		if !ok {
			return
		}
		s.processReceiveComplete(op)
	case operation.TypeStreamProvideReceiveBuffers:
		if op.StreamProvideBufs == nil {
			return
		}
		s, ok := op.StreamProvideBufs.Stream.(*Stream)
		if !ok {
			return
		}
		s.processProvideReceiveBuffers(op)
	}
}

// processStart opens the stream's transport side, locally-initiated
// streams only: a peer-initiated stream already has s.transport populated
// by the accept loop (see connection.go's acceptPeerStreamsLoop) by the time
// any operation reaches it.
func (s *Stream) processStart(op *operation.Operation) {
	if s.transport == nil && s.conn != nil {
		s.conn.mu.Lock()
		transport := s.conn.transport
		s.conn.mu.Unlock()
		if transport != nil {
			qs, err := transport.OpenStream()
			if err != nil {
				s.state.Set(streamstate.SendShutdownComplete | streamstate.RecvShutdownComplete)
				s.emit(EventStreamShutdownComplete, err)
				return
			}
			s.transport = transportconn.NewStream(qs, streamWriteTimeout, s.logger)
			s.conn.removeStream(s.id)
			s.id = s.transport.ID()
			s.conn.addStream(s)
		}
	}
	s.state.Set(streamstate.Started)
	s.startReceiving()
	s.emit(EventStreamStartComplete, nil)
}

// startReceiving launches the goroutine that drives the stream's
// transport read side into the recvaccount/StreamReceiveComplete
// accounting path, grounded on connection.go's acceptPeerStreamsLoop:
// a goroutine blocked on the transport translating arrivals into queued
// work for the owning worker. It is idempotent and a no-op without a
// live transport; StreamProvideReceiveBuffers re-launches it once the
// loop has parked for lack of application buffers.
func (s *Stream) startReceiving() {
	s.mu.Lock()
	if s.recvCancel != nil || s.transport == nil || s.closed {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.recvCancel = cancel
	s.mu.Unlock()
	go s.receiveLoop(ctx)
}

// receiveLoop reads from the transport until Fin, a peer-initiated
// abort, or cancellation. Once the stream has committed to
// application-owned buffers it drains s.recvChunks via
// transportconn.Stream.ReadInto instead of the scratch buffer, and
// parks (clearing recvCancel so startReceiving can relaunch it) when no
// chunks are currently available (spec §4.7).
func (s *Stream) receiveLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.recvCancel = nil
		s.mu.Unlock()
	}()
	buf := make([]byte, streamRecvBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		transport := s.transport
		appOwned := s.state.Has(streamstate.UseAppOwnedRecvBuffers)
		var chunks [][]byte
		if appOwned {
			chunks = s.recvChunks
			s.recvChunks = nil
		}
		s.mu.Unlock()
		if transport == nil {
			return
		}
		if appOwned && len(chunks) == 0 {
			return
		}

		var n int
		var fin bool
		var err error
		if appOwned {
			n, fin, err = transport.ReadInto(chunks)
		} else {
			n, err = transport.Read(buf)
			if errors.Is(err, io.EOF) {
				fin, err = true, nil
			}
		}
		if err != nil {
			if code, ok := transportconn.PeerAbortCode(err); ok {
				s.onPeerAbort(code)
				return
			}
			s.state.Set(streamstate.RecvShutdownComplete)
			return
		}
		if n > 0 {
			s.completeReceive(uint64(n))
		}
		if fin {
			s.state.Set(streamstate.RecvShutdownComplete)
			return
		}
	}
}

// onPeerAbort handles a stream reset observed while reading: the peer
// aborted its send direction, which this side reports as
// EventStreamPeerSendAborted (spec scenario 4).
func (s *Stream) onPeerAbort(errorCode uint64) {
	s.state.Set(streamstate.RecvShutdownComplete)
	s.emit(EventStreamPeerSendAborted, errorCode)
}

func (s *Stream) processShutdown(op *operation.Operation) {
	var flags streamstate.ShutdownFlag
	var errorCode uint64
	if op.StreamShutdown != nil {
		flags = streamstate.ShutdownFlag(op.StreamShutdown.Flags)
		errorCode = op.StreamShutdown.ErrorCode
	}
	if flags&(streamstate.FlagAbort|streamstate.FlagAbortSend|streamstate.FlagImmediate) != 0 {
		s.state.Clear(streamstate.SendEnabled)
		s.failPendingSends(true)
		s.state.Set(streamstate.SendShutdownComplete)
		if s.transport != nil {
			s.transport.CancelSend(errorCode)
		}
	} else if flags&streamstate.FlagGraceful != 0 {
		s.drainSends()
		s.state.Set(streamstate.SendShutdownComplete)
	}
	if flags&(streamstate.FlagAbort|streamstate.FlagAbortReceive|streamstate.FlagImmediate) != 0 {
		s.state.Set(streamstate.RecvShutdownComplete)
		if s.transport != nil {
			s.transport.CancelReceive(errorCode)
		}
		if cancel := s.stopReceiving(); cancel != nil {
			cancel()
		}
	}
	if s.state.BothSidesTerminal() {
		s.emit(EventStreamSendShutdownComplete, nil)
	}
}

// stopReceiving returns the receive loop's cancel func, if running, so
// callers can tear it down without holding s.mu while invoking it.
func (s *Stream) stopReceiving() context.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCancel
}

func (s *Stream) processClose(op *operation.Operation) {
	s.markHandleClosed()
	s.mu.Lock()
	s.closed = true
	cancel := s.recvCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.conn != nil {
		s.conn.removeStream(s.id)
		if s.conn.engine != nil && s.conn.engine.metrics != nil {
			s.conn.engine.metrics.StreamsActive.Dec()
		}
	}
}

// processSend drains every currently-queued send request in one flush
// (spec §4.5 "the worker drains all pending requests in one flush"). The
// actual transport write happens through s.transport when a
// transportconn.Stream backs this stream; in its absence (e.g. a unit
// test driving this package without a live transport) the requests are
// simply marked sent so completion bookkeeping can still be exercised.
func (s *Stream) processSend(op *operation.Operation) {
	reqs := s.sends.DrainAll()
	if len(reqs) == 0 {
		return
	}
	if !s.state.Has(streamstate.SendEnabled) {
		for _, r := range reqs {
			r.Canceled = true
		}
	} else if s.transport != nil {
		if _, err := s.transport.FlushSend(reqs, StreamSendFlagFin); err != nil {
			s.logger.Err(err).Int64("stream", s.id).Msg("stream send flush failed")
			if code, ok := transportconn.PeerAbortCode(err); ok {
				s.state.Set(streamstate.SendShutdownComplete)
				s.emit(EventStreamPeerReceiveAborted, code)
			}
			for _, r := range reqs {
				if !r.Canceled {
					r.Canceled = true
				}
			}
		}
	}
	sendqueue.Complete(reqs, func(clientContext any, canceled bool) {
		s.emit(EventStreamSendComplete, sendCompletion{clientContext: clientContext, canceled: canceled})
	})
}

// sendCompletion is the data payload StreamSendComplete callbacks
// receive, carrying the opaque client context and cancellation flag
// (spec §4.5).
type sendCompletion struct {
	clientContext any
	canceled      bool
}

func (s *Stream) failPendingSends(canceled bool) {
	reqs := s.sends.DrainAll()
	sendqueue.Complete(reqs, func(clientContext any, _ bool) {
		s.emit(EventStreamSendComplete, sendCompletion{clientContext: clientContext, canceled: canceled})
	})
}

func (s *Stream) drainSends() {
	s.processSend(nil)
}

func (s *Stream) processReceiveSetEnabled(op *operation.Operation) {
	if op.StreamRecvEnabled == nil {
		return
	}
	s.recv.SetActive(op.StreamRecvEnabled.Enabled)
}

// processReceiveComplete delivers the accumulated completed-length
// accounting to the application, then re-arms the stream's back-up
// receive-complete slot so a future AddCompleted can claim it again
// (spec §4.7).
func (s *Stream) processReceiveComplete(op *operation.Operation) {
	s.emit(EventStreamReceive, s.recv.Length())
	s.recvOp.Arm(&operation.Operation{
		Type:             operation.TypeStreamReceiveComplete,
		FreeAfterProcess: false,
		StreamRecvComplete: &operation.StreamReceiveCompleteParams{
			Stream: s,
		},
	})
}

func (s *Stream) processProvideReceiveBuffers(op *operation.Operation) {
	if err := s.state.CanProvideReceiveBuffers(); err != nil {
		return
	}
	s.state.Set(streamstate.UseAppOwnedRecvBuffers)
	if op.StreamProvideBufs != nil {
		s.mu.Lock()
		s.recvChunks = append(s.recvChunks, op.StreamProvideBufs.Chunks...)
		s.mu.Unlock()
	}
	s.startReceiving()
}

// queueSend implements the StreamSend half of spec §4.3's decision tree:
// append under the stream's own lock, decide QueueOper from whether the
// queue was previously empty, and report whether SendEnabled currently
// permits the send at all.
func (s *Stream) queueSend(req *sendqueue.Request) (queueOper bool, sendErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, status.New(status.InvalidState)
	}
	if err := s.state.SendShutdownReason(); err != nil {
		return false, err
	}
	wasEmpty := s.sends.Append(req)
	return wasEmpty, nil
}

// accountReceiveComplete implements the lock-free accounting half of
// StreamReceiveComplete (spec §4.7): add the completed length, and if no
// receive call was active, claim the pre-armed operation for the caller
// to enqueue. overflow reports the canary-overflow contract violation
// (spec invariant 5), which callers must treat as fatal to the
// connection.
func (s *Stream) accountReceiveComplete(length uint64) (op *operation.Operation, overflow bool) {
	over, queue := s.recv.AddCompleted(length)
	if over {
		return nil, true
	}
	if !queue {
		return nil, false
	}
	return s.recvOp.FetchAndClear(), false
}

// completeReceive is the shared accounting-and-enqueue path between the
// public StreamReceiveComplete dispatcher call and the transport-driven
// receiveLoop: add length to the canary-accounted counter, then either
// escalate a canary overflow to a silent connection shutdown or enqueue
// the pre-armed completion operation (spec §4.7, invariant 5).
func (s *Stream) completeReceive(length uint64) {
	op, overflow := s.accountReceiveComplete(length)
	if overflow {
		s.conn.escalateShutdownOOM(status.InvalidState)
		return
	}
	if op == nil {
		return
	}
	c := s.conn
	c.refs.Add(refcount.KindOperation)
	if !c.queue.Enqueue(op, operation.PriorityNormal) {
		c.refs.Release(refcount.KindOperation)
		return
	}
	c.partition.Notify()
}

// Package workerpool implements the fixed pool of worker threads (spec.md
// §2, §5, §9 "Partition") that own connection state: N partitions, each
// draining its affinitized connections' opqueue.Queues to empty before
// blocking again.
//
// Grounded on connection/quic_connection.go's errgroup.WithContext
// fan-out (quicConnection.Serve starts its control/accept/datagram
// goroutines the same way Pool.Run starts one goroutine per partition) and
// on datagramsession/manager.go's single-consumer event loop (each
// Partition is the sole consumer of the connections affinitized to it).
package workerpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cloudflare/quicapi/operation"
	"github.com/cloudflare/quicapi/opqueue"
)

// ConnWorker is the subset of quicapi.Connection a Partition needs in
// order to drain it: an identity, its operation queue, and a way to hand
// a dequeued Operation to the connection's own handler. Kept as an
// interface here (rather than importing the quicapi root package) to
// avoid a cycle: workerpool is a leaf the root package imports, not the
// other way around.
type ConnWorker interface {
	ID() uint64
	Queue() *opqueue.Queue
	// ProcessOperation executes op's effect against the connection's
	// state. Called only from the owning Partition's Run goroutine,
	// satisfying spec invariant 2 ("WorkerThreadID equals the current
	// thread's id iff the worker owns the connection").
	ProcessOperation(op *operation.Operation)
}

// PoolConfig configures a Pool. Concrete constants live here rather than
// scattered across the package, matching quic/constants.go's single
// const-block-per-package convention.
type PoolConfig struct {
	// Partitions is the number of worker goroutines ("worker threads" in
	// spec terms) the pool runs. Must be >= 1.
	Partitions int
	// MaxConnectionsPerPartition bounds how many connections may be
	// affinitized to one partition; 0 means unlimited.
	MaxConnectionsPerPartition uint64
	// OperationsExhausted, if non-nil, is shared across every partition's
	// operation.Pool to count free-list misses (SPEC_FULL.md §2 metrics).
	OperationsExhausted prometheus.Counter
}

// Pool owns PoolConfig.Partitions Partitions and fans their Run loops out
// via errgroup, the same shape quicConnection.Serve uses for its own
// per-connection goroutines.
type Pool struct {
	partitions []*Partition
	logger     *zerolog.Logger
}

// NewPool constructs a Pool with cfg.Partitions Partitions, each logging
// through a copy of logger enriched with its own partition index.
func NewPool(cfg PoolConfig, logger *zerolog.Logger) *Pool {
	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	p := &Pool{logger: logger}
	for i := 0; i < cfg.Partitions; i++ {
		partLogger := logger.With().Int("partition", i).Logger()
		p.partitions = append(p.partitions, newPartition(i, cfg.MaxConnectionsPerPartition, cfg.OperationsExhausted, &partLogger))
	}
	return p
}

// PartitionCount reports how many partitions this Pool was constructed
// with; ConnectionOpenInPartition validates its partitionIndex argument
// against this (spec §6).
func (p *Pool) PartitionCount() int {
	return len(p.partitions)
}

// Partition returns the partition at index, or an error if index is out
// of range. The caller (the quicapi dispatcher) turns that into
// status.InvalidParameter.
func (p *Pool) Partition(index int) (*Partition, error) {
	if index < 0 || index >= len(p.partitions) {
		return nil, fmt.Errorf("workerpool: partition index %d out of range [0,%d)", index, len(p.partitions))
	}
	return p.partitions[index], nil
}

// Run starts every partition's drain loop and blocks until ctx is
// canceled or a partition returns a fatal error, in which case the other
// partitions are canceled too (errgroup.WithContext), mirroring
// quicConnection.Serve's "either goroutine failing tears down the rest."
func (p *Pool) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, part := range p.partitions {
		part := part
		eg.Go(func() error {
			return part.Run(ctx)
		})
	}
	return eg.Wait()
}

// Partition is one worker thread's domain: the connections affinitized to
// it, and the operation.Pool it allocates from (spec §5 "memory pools are
// per-partition to avoid cross-thread contention").
type Partition struct {
	index   int
	limiter Limiter
	opPool  *operation.Pool
	logger  *zerolog.Logger

	mu    sync.Mutex
	conns map[uint64]ConnWorker

	wake chan struct{}
}

func newPartition(index int, maxConns uint64, exhausted prometheus.Counter, logger *zerolog.Logger) *Partition {
	return &Partition{
		index:   index,
		limiter: NewLimiter(maxConns),
		opPool:  operation.NewPool(exhausted),
		logger:  logger,
		conns:   make(map[uint64]ConnWorker),
		wake:    make(chan struct{}, 1),
	}
}

// Index returns the partition's position within its Pool.
func (p *Partition) Index() int { return p.index }

// OperationPool returns this partition's operation allocator, used by the
// quicapi dispatcher when assembling operations for connections
// affinitized here.
func (p *Partition) OperationPool() *operation.Pool { return p.opPool }

// Register affinitizes c to this partition, enforcing
// MaxConnectionsPerPartition via the partition's Limiter.
func (p *Partition) Register(c ConnWorker) error {
	if err := p.limiter.Acquire(); err != nil {
		return err
	}
	p.mu.Lock()
	p.conns[c.ID()] = c
	p.mu.Unlock()
	p.Notify()
	return nil
}

// Unregister removes c from this partition and releases its Limiter
// slot. The quicapi connection calls it while processing its close,
// before its last reference is released.
func (p *Partition) Unregister(c ConnWorker) {
	p.mu.Lock()
	_, existed := p.conns[c.ID()]
	delete(p.conns, c.ID())
	p.mu.Unlock()
	if existed {
		p.limiter.Release()
	}
}

// Notify wakes the partition's Run loop so it re-scans every affinitized
// connection's queue. The connection's dispatcher calls this right after
// a successful opqueue.Queue.Enqueue, since multiple connections share
// one partition goroutine and only the enqueuing connection's own queue
// signals internally.
func (p *Partition) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run is the partition's worker-thread loop: drain every affinitized
// connection's queue to empty, then block for the next Notify or ctx
// cancellation. It never returns a non-nil error on its own; ctx
// cancellation is reported as ctx.Err() so errgroup can propagate a real
// shutdown reason if one exists upstream.
func (p *Partition) Run(ctx context.Context) error {
	for {
		p.drainAll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		}
	}
}

// drainAll processes every pending operation on every connection
// currently registered to this partition, in each connection's own
// priority order (spec §4.4), round-robining across connections via map
// iteration order — "implementation-defined but fair" per spec §5.
func (p *Partition) drainAll() {
	for {
		conns := p.snapshot()
		if len(conns) == 0 {
			return
		}
		processedAny := false
		for _, c := range conns {
			for {
				op := c.Queue().Dequeue()
				if op == nil {
					break
				}
				processedAny = true
				p.processOne(c, op)
			}
		}
		if !processedAny {
			return
		}
	}
}

func (p *Partition) processOne(c ConnWorker, op *operation.Operation) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Uint64("conn", c.ID()).Str("op", op.Type.String()).Msg("operation handler panicked; connection state may be inconsistent")
		}
	}()
	c.ProcessOperation(op)
}

func (p *Partition) snapshot() []ConnWorker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnWorker, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Connections reports how many connections are currently affinitized to
// this partition. Test/metrics use only.
func (p *Partition) Connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

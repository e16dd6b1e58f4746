// Package quicapi is the public API dispatcher for the connection-
// processing core: the thread-safe surface applications call, backed by
// a fixed pool of worker partitions that own connection and stream state
// (spec.md §1-§2).
//
// Grounded on connection/quic_connection.go's dispatchRequest: every
// public entry here validates, decides inline-vs-queued execution, and
// either returns synchronously or waits on a completion event, the same
// shape the teacher's RPC dispatch uses for its own request handling.
package quicapi

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cloudflare/quicapi/metrics"
	"github.com/cloudflare/quicapi/workerpool"
)

// EngineConfig configures an Engine. Matches the teacher's
// constructor-injection convention (NewTunnelConnection(ctx, conn,
// connIndex, ...)) rather than a global config singleton
// (SPEC_FULL.md §2 "Configuration").
type EngineConfig struct {
	Partitions                 int
	MaxConnectionsPerPartition uint64
	// CustomExecutionsEnabled, when true, forces every public call to run
	// inline on the calling goroutine regardless of worker ownership
	// (spec §4.3 step 3 "CustomExecutions is enabled globally").
	CustomExecutionsEnabled bool
	// LocalIP binds outbound dials to a specific local address, the way
	// the teacher's edgediscovery.DialEdge takes an originIP. Nil lets
	// the kernel pick.
	LocalIP net.IP
}

// Engine owns the worker pool and the metrics registered against it; it
// is the entry point for every exported API function in this package.
type Engine struct {
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zerolog.Logger
	custom  bool
	localIP net.IP

	connSeq uint64
}

// NewEngine constructs an Engine with cfg.Partitions worker partitions.
// m may be nil, in which case metrics are not registered (tests that
// don't care about telemetry pass nil, mirroring the teacher's optional
// registerer pattern in connection/metrics.go).
func NewEngine(cfg EngineConfig, m *metrics.Metrics, logger *zerolog.Logger) *Engine {
	poolCfg := workerpool.PoolConfig{
		Partitions:                 cfg.Partitions,
		MaxConnectionsPerPartition: cfg.MaxConnectionsPerPartition,
	}
	if m != nil {
		poolCfg.OperationsExhausted = m.OperationsExhausted
	}
	return &Engine{
		pool:    workerpool.NewPool(poolCfg, logger),
		metrics: m,
		logger:  logger,
		custom:  cfg.CustomExecutionsEnabled,
		localIP: cfg.LocalIP,
	}
}

// Run starts every worker partition and blocks until ctx is canceled or a
// partition faults (workerpool.Pool.Run).
func (e *Engine) Run(ctx context.Context) error {
	return e.pool.Run(ctx)
}

// PartitionCount reports how many worker partitions this Engine runs.
func (e *Engine) PartitionCount() int {
	return e.pool.PartitionCount()
}

func (e *Engine) nextConnID() uint64 {
	return atomic.AddUint64(&e.connSeq, 1)
}

// Package metrics wires the prometheus counters/gauges SPEC_FULL.md's
// ambient stack calls for: operation-queue depth, operation-pool
// exhaustion, and refcount entities released to zero. Grounded on
// connection/metrics.go and quic/v3/metrics.go's constructor-registers-once
// shape (one NewXxx function per logical metric group, no package-level
// init()).
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "quicapi"
)

// Metrics bundles every counter/gauge this module reports. Construct one
// per process with NewMetrics and thread it through workerpool.Pool,
// operation.Pool, and opqueue.Queue constructors.
type Metrics struct {
	QueueDepth        *prometheus.GaugeVec
	OperationsExhausted prometheus.Counter
	EntitiesDestroyed *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	StreamsActive     prometheus.Gauge
}

// NewMetrics constructs and registers every gauge/counter against reg. reg
// may be prometheus.DefaultRegisterer, or a test-local registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "opqueue",
			Name:      "depth",
			Help:      "Number of pending operations per connection priority class.",
		}, []string{"priority"}),

		OperationsExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "operation",
			Name:      "pool_exhausted_total",
			Help:      "Count of Operation allocations that fell back to a fresh allocation because the partition's free list was empty.",
		}),

		EntitiesDestroyed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "refcount",
			Name:      "entities_destroyed_total",
			Help:      "Count of Connections whose reference count reached zero, by entity kind. Streams carry no reference count and are not counted.",
		}, []string{"entity"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "active",
			Help:      "Number of connections that have been opened but not yet destroyed.",
		}),

		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of streams that have been opened but not yet destroyed.",
		}),
	}

	reg.MustRegister(
		m.QueueDepth,
		m.OperationsExhausted,
		m.EntitiesDestroyed,
		m.ConnectionsActive,
		m.StreamsActive,
	)
	return m
}

// QueueDepthGauge adapts Metrics to opqueue.DepthGauge (Set(priorityLabel
// string, n int)) without opqueue importing prometheus directly, keeping
// the queue package's dependency surface small (it only needs the
// interface, not the concrete client).
type QueueDepthGauge struct {
	vec *prometheus.GaugeVec
}

// NewQueueDepthGauge adapts m's queue-depth vector for a single
// connection's opqueue.Queue to report against.
func (m *Metrics) NewQueueDepthGauge() QueueDepthGauge {
	return QueueDepthGauge{vec: m.QueueDepth}
}

func (g QueueDepthGauge) Set(priorityLabel string, n int) {
	g.vec.WithLabelValues(priorityLabel).Set(float64(n))
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsRegistersEverything(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	assert.NotNil(t, m.QueueDepth)
	assert.NotNil(t, m.OperationsExhausted)
	assert.NotNil(t, m.EntitiesDestroyed)
}

func TestQueueDepthGaugeSet(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	g := m.NewQueueDepthGauge()
	g.Set("highest", 3)
	g.Set("normal", 0)
}

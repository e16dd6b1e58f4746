package workerpool_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/quicapi/workerpool"
)

func TestLimiterUnlimited(t *testing.T) {
	l := workerpool.NewLimiter(0)
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(), "unlimited limiter must never reject")
	}
}

func TestLimiterRejectsOverCapacity(t *testing.T) {
	l := workerpool.NewLimiter(2)
	require.NoError(t, l.Acquire())
	require.NoError(t, l.Acquire())
	assert.ErrorIs(t, l.Acquire(), workerpool.ErrTooManyConnections)
}

func TestLimiterReleaseFreesASlot(t *testing.T) {
	l := workerpool.NewLimiter(1)
	require.NoError(t, l.Acquire())
	require.ErrorIs(t, l.Acquire(), workerpool.ErrTooManyConnections, "expected rejection at capacity 1")
	l.Release()
	assert.NoError(t, l.Acquire(), "slot should be free again after Release")
}

func TestLimiterReleaseFloorsAtZero(t *testing.T) {
	l := workerpool.NewLimiter(1)
	for i := 0; i < 10; i++ {
		l.Release()
	}
	require.NoError(t, l.Acquire())
	assert.ErrorIs(t, l.Acquire(), workerpool.ErrTooManyConnections, "extra releases must not raise capacity above the configured max")
}

func TestLimiterSetLimit(t *testing.T) {
	l := workerpool.NewLimiter(1)
	require.NoError(t, l.Acquire())
	l.SetLimit(2)
	assert.NoError(t, l.Acquire(), "raising the limit should admit another connection")
	l.SetLimit(0)
	for i := 0; i < 100; i++ {
		assert.NoError(t, l.Acquire(), "limit 0 means unlimited")
	}
}

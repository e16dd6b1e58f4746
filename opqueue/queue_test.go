package opqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/quicapi/operation"
)

func opOfType(t operation.Type) *operation.Operation {
	return &operation.Operation{Type: t}
}

func TestPriorityOrdering(t *testing.T) {
	q := New(nil)
	q.Enqueue(opOfType(operation.TypeStreamSend), operation.PriorityNormal)
	q.Enqueue(opOfType(operation.TypeGetParam), operation.PriorityHigh)
	q.Enqueue(opOfType(operation.TypeConnectionShutdown), operation.PriorityHighest)

	first := q.Dequeue()
	require.NotNil(t, first)
	assert.Equal(t, operation.TypeConnectionShutdown, first.Type, "first must be highest-priority ConnectionShutdown")

	second := q.Dequeue()
	require.NotNil(t, second)
	assert.Equal(t, operation.TypeGetParam, second.Type, "second must be priority-class GetParam")

	third := q.Dequeue()
	require.NotNil(t, third)
	assert.Equal(t, operation.TypeStreamSend, third.Type, "third must be normal-class StreamSend")

	assert.Nil(t, q.Dequeue(), "queue should be empty")
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	q := New(nil)
	ops := []*operation.Operation{
		opOfType(operation.TypeStreamSend),
		opOfType(operation.TypeStreamStart),
		opOfType(operation.TypeStreamShutdown),
	}
	for _, op := range ops {
		q.Enqueue(op, operation.PriorityNormal)
	}
	for _, want := range ops {
		got := q.Dequeue()
		require.NotNil(t, got)
		assert.Same(t, want, got, "FIFO order within a class must be preserved")
	}
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	q := New(nil)
	q.Close()
	assert.False(t, q.Enqueue(opOfType(operation.TypeStreamSend), operation.PriorityNormal), "enqueue after close must fail")
}

func TestCloseDoesNotDiscardQueuedOps(t *testing.T) {
	q := New(nil)
	q.Enqueue(opOfType(operation.TypeStreamSend), operation.PriorityNormal)
	q.Close()
	require.Equal(t, 1, q.Len(), "close must not drop already-queued operations")
	drained := q.DrainAll()
	assert.Len(t, drained, 1)
}

func TestDrainAllOrdering(t *testing.T) {
	q := New(nil)
	q.Enqueue(opOfType(operation.TypeStreamSend), operation.PriorityNormal)
	q.Enqueue(opOfType(operation.TypeConnectionShutdown), operation.PriorityHighest)
	drained := q.DrainAll()
	require.Len(t, drained, 2)
	assert.Equal(t, operation.TypeConnectionShutdown, drained[0].Type)
}

func TestNotifyWakesOnEnqueue(t *testing.T) {
	q := New(nil)
	done := make(chan struct{})
	go func() {
		<-q.NotifyChannel()
		close(done)
	}()
	q.Enqueue(opOfType(operation.TypeStreamSend), operation.PriorityNormal)
	<-done
}

package operation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGetResetsOperation(t *testing.T) {
	p := NewPool(nil)
	op := p.Get(TypeStreamSend)
	op.StreamSend = &StreamSendParams{Stream: "s1"}
	p.Put(op)

	op2 := p.Get(TypeConnectionClose)
	assert.Equal(t, TypeConnectionClose, op2.Type)
	assert.Nil(t, op2.StreamSend, "reused operation must be fully reset between Put and Get")
	assert.True(t, op2.FreeAfterProcess, "pool-allocated operations must set FreeAfterProcess")
}

func TestPoolMaxOutstandingExhausted(t *testing.T) {
	p := NewPool(nil)
	p.SetMaxOutstanding(1)

	op1, ok := p.TryGet(TypeStreamSend)
	require.True(t, ok, "first allocation should succeed")
	require.NotNil(t, op1)

	_, ok = p.TryGet(TypeStreamSend)
	assert.False(t, ok, "second allocation should fail once budget is exhausted")

	p.Put(op1)
	_, ok = p.TryGet(TypeStreamSend)
	assert.True(t, ok, "allocation should succeed again after Put frees a slot")
}

func TestPutIgnoresNonPoolOperations(t *testing.T) {
	p := NewPool(nil)
	backup := &Operation{FreeAfterProcess: false}
	// Must not panic and must not affect outstanding accounting.
	p.Put(backup)
	p.Put(nil)
}

func TestCompletionSignalIdempotent(t *testing.T) {
	c := NewCompletion()
	done := make(chan struct{})
	go func() {
		c.Wait()
		close(done)
	}()
	c.Signal()
	c.Signal() // must not panic
	<-done
}

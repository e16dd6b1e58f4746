package sendqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReportsWasEmpty(t *testing.T) {
	q := &Queue{}
	r1, _ := NewRequest([][]byte{[]byte("a")}, 0, 1)
	r2, _ := NewRequest([][]byte{[]byte("b")}, 0, 2)

	assert.True(t, q.Append(r1), "first append must report the queue was empty")
	assert.False(t, q.Append(r2), "second append must report the queue was non-empty (QueueOper=false case)")
}

func TestDrainAllPreservesFIFOOrder(t *testing.T) {
	q := &Queue{}
	r1, _ := NewRequest(nil, 0, "first")
	r2, _ := NewRequest(nil, 0, "second")
	r3, _ := NewRequest(nil, 0, "third")
	q.Append(r1)
	q.Append(r2)
	q.Append(r3)

	drained := q.DrainAll()
	require.Len(t, drained, 3)
	want := []string{"first", "second", "third"}
	for i, r := range drained {
		assert.Equal(t, want[i], r.ClientContext)
	}
	assert.Equal(t, 0, q.Len(), "queue must be empty after DrainAll")
}

func TestDrainAllOnEmptyQueue(t *testing.T) {
	q := &Queue{}
	assert.Nil(t, q.DrainAll(), "draining an empty queue should return nil")
}

func TestNewRequestRejectsOversizedTotal(t *testing.T) {
	buffers := [][]byte{make([]byte, MaxTotalLength), make([]byte, 1)}
	_, err := NewRequest(buffers, 0, nil)
	assert.ErrorIs(t, err, ErrTotalLengthTooLarge)
}

func TestMaskFlagsStripsInternalBits(t *testing.T) {
	const appFlag = uint32(0x01)
	masked := MaskFlags(appFlag | internalFlagsMask)
	assert.Equal(t, appFlag, masked)
}

func TestCompletePreservesOrderAndCanceledFlag(t *testing.T) {
	r1, _ := NewRequest(nil, 0, 1)
	r2, _ := NewRequest(nil, 0, 2)
	r2.Canceled = true

	var gotCtx []any
	var gotCanceled []bool
	Complete([]*Request{r1, r2}, func(ctx any, canceled bool) {
		gotCtx = append(gotCtx, ctx)
		gotCanceled = append(gotCanceled, canceled)
	})

	require.Len(t, gotCtx, 2)
	assert.Equal(t, []any{1, 2}, gotCtx)
	assert.Equal(t, []bool{false, true}, gotCanceled)
}

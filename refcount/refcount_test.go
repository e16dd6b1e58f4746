package refcount

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddReleaseBalances(t *testing.T) {
	fired := 0
	c := New(func() { fired++ })
	c.Add(KindHandleOwner)
	c.Add(KindOperation)
	assert.Equal(t, int32(2), c.Total())
	assert.False(t, c.Release(KindOperation), "should not be destroyed with one ref left")
	assert.True(t, c.Release(KindHandleOwner), "should be destroyed once total hits zero")
	assert.Equal(t, 1, fired)
}

func TestReleaseNeverGoesNegative(t *testing.T) {
	c := New(nil)
	assert.False(t, c.Release(KindOperation), "release without add must not report destroyed")
	assert.Equal(t, int32(0), c.Count(KindOperation), "count should floor at zero")
}

func TestOnZeroFiresExactlyOnce(t *testing.T) {
	fired := 0
	c := New(func() { fired++ })
	c.Add(KindHandleOwner)
	c.Release(KindHandleOwner)
	// A buggy extra add/release pair after destruction must not refire
	// onZero a second time from this Counter's perspective.
	c.Add(KindInternal)
	c.Release(KindInternal)
	assert.Equal(t, 1, fired)
}

func TestPerKindCounts(t *testing.T) {
	c := New(nil)
	c.Add(KindOperation)
	c.Add(KindOperation)
	c.Add(KindHandleOwner)
	assert.Equal(t, int32(2), c.Count(KindOperation))
	assert.Equal(t, int32(1), c.Count(KindHandleOwner))
}

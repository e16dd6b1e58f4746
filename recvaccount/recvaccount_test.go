package recvaccount

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddCompletedAccumulates(t *testing.T) {
	c := &Counter{}
	_, _, ok := addOK(c, 100)
	require.True(t, ok, "unexpected overflow")
	_, _, ok = addOK(c, 50)
	require.True(t, ok, "unexpected overflow")
	assert.Equal(t, uint64(150), c.Length())
}

func addOK(c *Counter, length uint64) (overflow, queueComplete, ok bool) {
	overflow, queueComplete = c.AddCompleted(length)
	return overflow, queueComplete, !overflow
}

func TestQueueCompleteOnlyWhenNotActive(t *testing.T) {
	c := &Counter{}
	_, queueComplete := c.AddCompleted(10)
	assert.True(t, queueComplete, "first completion with no active receive must request enqueue")

	c.SetActive(true)
	_, queueComplete = c.AddCompleted(10)
	assert.False(t, queueComplete, "completion while a receive is active must not request enqueue")

	c.SetActive(false)
	_, queueComplete = c.AddCompleted(10)
	assert.True(t, queueComplete, "completion after the active receive returns must request enqueue again")
}

func TestCanaryCollisionIsFatal(t *testing.T) {
	c := &Counter{}
	// A length value that itself carries the canary bit is a crafted /
	// out-of-contract call. A single such call is not yet a violation...
	overflow, _ := c.AddCompleted(canaryBit | 5)
	assert.False(t, overflow, "a single canary-carrying add must not itself be fatal")
	// ...but a second one, now that the prior total has latched the
	// canary bit, collides and must be reported fatal (spec invariant 5).
	overflow, _ = c.AddCompleted(canaryBit | 7)
	assert.True(t, overflow, "two canary-carrying adds in a row must report overflow")
}

func TestActiveFlagRoundTrips(t *testing.T) {
	c := &Counter{}
	assert.False(t, c.Active(), "fresh counter must not be active")
	c.SetActive(true)
	assert.True(t, c.Active())
	c.SetActive(false)
	assert.False(t, c.Active())
}

func TestSlotFetchAndClearIsSingleUse(t *testing.T) {
	type op struct{ id int }
	slot := NewSlot(&op{id: 1})
	got := slot.FetchAndClear()
	require.NotNil(t, got)
	assert.Equal(t, 1, got.id)

	assert.Nil(t, slot.FetchAndClear(), "a second fetch must find the slot already cleared")

	slot.Arm(&op{id: 2})
	got = slot.FetchAndClear()
	require.NotNil(t, got, "re-arming must make the slot fetchable again")
	assert.Equal(t, 2, got.id)
}

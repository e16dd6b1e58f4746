package handle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckNilHandle(t *testing.T) {
	assert.False(t, Check(nil, KindConnectionClient), "nil handle must never pass Check")
}

func TestCheckKindMismatch(t *testing.T) {
	h := New(KindRegistration, struct{}{})
	assert.False(t, Check(h, KindStream, KindConnectionClient), "registration handle must not satisfy stream/connection checks")
	assert.True(t, Check(h, KindRegistration), "registration handle must satisfy its own kind")
}

func TestFreedHandleNeverChecks(t *testing.T) {
	h := New(KindStream, struct{}{})
	assert.True(t, Check(h, KindStream), "live handle should check out")
	h.MarkFreed()
	assert.False(t, Check(h, KindStream), "freed handle must fail Check regardless of kind match")
	assert.True(t, h.Freed(), "Freed must report true after MarkFreed")
}

func TestMarkFreedIdempotent(t *testing.T) {
	h := New(KindStream, 42)
	h.MarkFreed()
	h.MarkFreed()
	assert.True(t, h.Freed())
}

func TestKindIsConnection(t *testing.T) {
	cases := map[Kind]bool{
		KindConnectionClient: true,
		KindConnectionServer: true,
		KindStream:           false,
		KindRegistration:     false,
	}
	for k, want := range cases {
		assert.Equal(t, want, k.IsConnection(), "%s.IsConnection()", k)
	}
}

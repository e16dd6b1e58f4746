package datagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	sent []byte
	err  error
}

func (f *fakeSender) SendDatagram(payload []byte) error {
	f.sent = payload
	return f.err
}

func TestNewSendConcatenatesBuffers(t *testing.T) {
	s, err := NewSend([][]byte{[]byte("abc"), []byte("def")}, false, 1)
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(s.Payload))
	assert.NotEmpty(t, s.TraceID.String(), "expected a non-zero trace id")
}

func TestNewSendRejectsOversizedPayload(t *testing.T) {
	buffers := [][]byte{make([]byte, MaxLength), make([]byte, 1)}
	_, err := NewSend(buffers, false, nil)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDeliverMarksCanceledOnTransportError(t *testing.T) {
	s, err := NewSend([][]byte{[]byte("x")}, false, nil)
	require.NoError(t, err)
	sender := &fakeSender{err: errTransport}
	assert.Error(t, Deliver(sender, s), "expected transport error to propagate")
	assert.True(t, s.Canceled, "expected Canceled to be set after a delivery failure")
}

func TestDeliverSendsPayloadUnchanged(t *testing.T) {
	s, err := NewSend([][]byte{[]byte("payload")}, true, nil)
	require.NoError(t, err)
	sender := &fakeSender{}
	require.NoError(t, Deliver(sender, s))
	assert.Equal(t, "payload", string(sender.sent))
}

func TestCompleteInvokesCallbackWithClientContext(t *testing.T) {
	s, _ := NewSend(nil, false, "ctx")
	s.Canceled = true
	var gotCtx any
	var gotCanceled bool
	Complete(s, func(ctx any, canceled bool) {
		gotCtx = ctx
		gotCanceled = canceled
	})
	assert.Equal(t, "ctx", gotCtx)
	assert.True(t, gotCanceled)
}

var errTransport = &transportStub{}

type transportStub struct{}

func (*transportStub) Error() string { return "transport: datagram send failed" }

package streamstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateShutdownFlagsRejectsZero(t *testing.T) {
	assert.Error(t, ValidateShutdownFlags(FlagNone), "zero flags must be rejected")
	assert.Error(t, ValidateShutdownFlags(FlagSilent), "Silent alone must be rejected")
}

func TestValidateShutdownFlagsGracefulExclusiveWithAbort(t *testing.T) {
	assert.Error(t, ValidateShutdownFlags(FlagGraceful|FlagAbort), "Graceful|Abort must be rejected")
	assert.Error(t, ValidateShutdownFlags(FlagGraceful|FlagImmediate), "Graceful|Immediate must be rejected")
	assert.NoError(t, ValidateShutdownFlags(FlagGraceful), "Graceful alone should be valid")
}

func TestValidateShutdownFlagsImmediateRequiresBothAborts(t *testing.T) {
	assert.Error(t, ValidateShutdownFlags(FlagImmediate|FlagAbortSend), "Immediate without AbortReceive must be rejected")
	assert.NoError(t, ValidateShutdownFlags(FlagImmediate|FlagAbortSend|FlagAbortReceive), "Immediate with both aborts should be valid")
}

func TestValidateShutdownFlagsAllowsSilentAndInlineAsModifiers(t *testing.T) {
	assert.NoError(t, ValidateShutdownFlags(FlagGraceful|FlagSilent|FlagInline), "Silent/Inline are modifiers, not the meaningful flag")
}

func TestNewBidirectionalStartsSendEnabled(t *testing.T) {
	s := New(RoleBidirectional)
	assert.True(t, s.Has(SendEnabled), "a fresh bidirectional stream must allow sends before Start (spec scenario 3)")
}

func TestNewRecvOnlyHasNoSendSide(t *testing.T) {
	s := New(RoleRecvOnly)
	assert.False(t, s.Has(SendEnabled), "a recv-only stream must not start with SendEnabled")
	assert.Error(t, s.SendShutdownReason(), "recv-only stream must reject sends")
}

func TestSendShutdownReasonDistinguishesAbortedFromInvalidState(t *testing.T) {
	s := New(RoleBidirectional)
	s.Clear(SendEnabled)
	err := s.SendShutdownReason()
	require.Error(t, err)
	assert.Equal(t, "InvalidState", err.Error())

	s.Set(ReceivedStopSending)
	err = s.SendShutdownReason()
	require.Error(t, err)
	assert.Equal(t, "Aborted", err.Error(), "peer StopSending should surface as Aborted")
}

func TestBothSidesTerminal(t *testing.T) {
	s := New(RoleBidirectional)
	assert.False(t, s.BothSidesTerminal(), "fresh stream must not report terminal")
	s.Set(SendShutdownComplete)
	assert.False(t, s.BothSidesTerminal(), "only send side complete must not report terminal")
	s.Set(RecvShutdownComplete)
	assert.True(t, s.BothSidesTerminal(), "both sides complete must report terminal")
}

func TestBothSidesTerminalUnidirectional(t *testing.T) {
	s := New(RoleSendOnly)
	s.Set(SendShutdownComplete)
	assert.True(t, s.BothSidesTerminal(), "a send-only stream has no receive side to wait for")
}

func TestCanProvideReceiveBuffersGatedByPeerStreamStartEvent(t *testing.T) {
	s := New(RoleBidirectional)
	assert.Error(t, s.CanProvideReceiveBuffers(), "must reject outside the peer-stream-started callback")
	s.Set(PeerStreamStartEventActive)
	assert.NoError(t, s.CanProvideReceiveBuffers(), "should be allowed inline from the callback")
}

func TestCanProvideReceiveBuffersPermanentOnceCommitted(t *testing.T) {
	s := New(RoleBidirectional)
	s.Set(PeerStreamStartEventActive)
	s.Set(UseAppOwnedRecvBuffers)
	s.Clear(PeerStreamStartEventActive)
	assert.NoError(t, s.CanProvideReceiveBuffers(), "once committed, later calls must be permanent no-ops not errors")
}

func TestMarkHandleClosedExactlyOnce(t *testing.T) {
	s := New(RoleBidirectional)
	assert.True(t, s.MarkHandleClosed(), "first call must transition")
	assert.False(t, s.MarkHandleClosed(), "second call must be a no-op")
}

package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/quicapi/status"
)

func TestCheckStartRejectsServerRole(t *testing.T) {
	s := New(RoleServer)
	err := s.CheckStart()
	assert.ErrorIs(t, err, status.New(status.InvalidState))
}

func TestCheckStartRejectsDoubleStart(t *testing.T) {
	s := New(RoleClient)
	s.Set(Started)
	err := s.CheckStart()
	assert.ErrorIs(t, err, status.New(status.InvalidState))
}

func TestCheckStartAllowsFreshClient(t *testing.T) {
	s := New(RoleClient)
	require.NoError(t, s.CheckStart())
}

func TestCheckSetConfigurationRequiresServerAndNoPriorConfig(t *testing.T) {
	client := New(RoleClient)
	assert.Error(t, client.CheckSetConfiguration(false), "client role must reject SetConfiguration")

	server := New(RoleServer)
	assert.Error(t, server.CheckSetConfiguration(true), "a second SetConfiguration must be rejected")
	assert.NoError(t, server.CheckSetConfiguration(false), "first SetConfiguration on a server should succeed")
}

func TestCheckSendResumptionTicketRequiresConnectedServer(t *testing.T) {
	s := New(RoleServer)
	s.Set(ResumptionEnabled)
	assert.Error(t, s.CheckSendResumptionTicket(), "must reject before Connected (no queuing non-feature)")

	s.Set(Connected)
	assert.NoError(t, s.CheckSendResumptionTicket(), "unexpected error once connected")
}

func TestClaimBackUpOperExactlyOnce(t *testing.T) {
	s := New(RoleClient)
	require.True(t, s.ClaimBackUpOper(), "first claim must succeed")
	assert.False(t, s.ClaimBackUpOper(), "second claim must fail")
}

func TestMarkHandleClosedExactlyOnce(t *testing.T) {
	s := New(RoleClient)
	require.True(t, s.MarkHandleClosed(), "first MarkHandleClosed must transition")
	assert.False(t, s.MarkHandleClosed(), "second MarkHandleClosed must be a no-op")
	assert.True(t, s.Has(HandleClosed))
}

func TestSetInlineRestoresPriorValue(t *testing.T) {
	s := New(RoleClient)
	s.SetInline(func() {
		assert.True(t, s.Has(InlineAPIExecution), "InlineAPIExecution must be set during SetInline's callback")
	})
	assert.False(t, s.Has(InlineAPIExecution), "InlineAPIExecution must be cleared after SetInline returns")

	// Nested inline execution must not clear the flag the outer call set.
	s.Set(InlineAPIExecution)
	s.SetInline(func() {})
	assert.True(t, s.Has(InlineAPIExecution), "nested SetInline must restore the outer already-true value")
}

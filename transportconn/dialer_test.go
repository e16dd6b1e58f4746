package transportconn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/quicapi/operation"
)

func TestAddressFamilyNetwork(t *testing.T) {
	cases := map[uint8]string{
		4: "ip4",
		6: "ip6",
		0: "ip",
	}
	for family, want := range cases {
		assert.Equal(t, want, addressFamilyNetwork(family))
	}
}

func TestBindUDPConnReusesAllocatedPort(t *testing.T) {
	logger := testLogger()

	first, err := bindUDPConn(1, nil, logger)
	require.NoError(t, err)
	defer first.Close()

	firstAddr := first.LocalAddr().String()
	first.Close()

	second, err := bindUDPConn(1, nil, logger)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, firstAddr, second.LocalAddr().String(), "expected port reuse")
}

func TestDialRejectsWrongConfigurationType(t *testing.T) {
	params := &operation.StartParams{ServerName: "example.com", ServerPort: 443}
	_, err := Dial(context.Background(), params, 0, nil, testLogger())
	assert.Error(t, err, "expected error when Configuration is not a *transportconn.Config")
}

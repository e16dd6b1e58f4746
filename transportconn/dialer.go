package transportconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	quic "github.com/lucas-clemente/quic-go"
	"github.com/rs/zerolog"

	"github.com/cloudflare/quicapi/operation"
)

// Config bundles the TLS and QUIC transport parameters a connection
// dials or listens with. Configuration in operation.StartParams carries a
// *Config for the client path and ConnectionSetConfiguration's
// SetConfigurationParams carries one for the server path.
type Config struct {
	TLS  *tls.Config
	Quic *quic.Config
}

// portMapMutex and portForPartIdx let repeated dials from the same
// partition index reuse the same local UDP port across reconnects, the
// way the teacher's createUDPConnForConnIndex does for edge connections.
var (
	portMapMutex   sync.Mutex
	portForPartIdx = map[int]int{}
)

// bindUDPConn allocates (or reuses) a local UDP socket for a given
// partition index, adapted from the teacher's createUDPConnForConnIndex:
// same reuse-last-port-then-fall-back-to-random-allocation shape,
// generalized from "tunnel connection index" to "worker partition index"
// since that's this module's analogous per-worker identity.
func bindUDPConn(partitionIndex int, localIP net.IP, logger *zerolog.Logger) (*net.UDPConn, error) {
	portMapMutex.Lock()
	defer portMapMutex.Unlock()

	if localIP == nil {
		localIP = net.IPv4zero
	}

	if port, ok := portForPartIdx[partitionIndex]; ok {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: port})
		if err == nil {
			return conn, nil
		}
		logger.Debug().Err(err).Msgf("unable to reuse port %d for partition %d, falling back to random allocation", port, partitionIndex)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: localIP, Port: 0})
	if err != nil {
		delete(portForPartIdx, partitionIndex)
		return nil, err
	}
	udpAddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("transportconn: unable to determine bound UDP address")
	}
	portForPartIdx[partitionIndex] = udpAddr.Port
	return conn, nil
}

// DialError wraps a failed outbound handshake, mirroring the teacher's
// EdgeQuicDialError so callers can tell a dial failure apart from a
// later idle/application close.
type DialError struct {
	Cause error
}

func (e *DialError) Error() string { return fmt.Sprintf("transportconn: dial failed: %s", e.Cause) }
func (e *DialError) Unwrap() error { return e.Cause }

// closeableConn wraps a quic.Connection so closing it also releases the
// backing UDP socket, adapted from the teacher's
// wrapCloseableConnQuicConnection.
type closeableConn struct {
	quic.Connection
	udpConn *net.UDPConn
}

func (w *closeableConn) CloseWithError(code quic.ApplicationErrorCode, reason string) error {
	err := w.Connection.CloseWithError(code, reason)
	w.udpConn.Close()
	return err
}

// Dial opens a client connection per a StartParams payload, binding a
// local UDP socket keyed by the owning partition so repeated connects
// from the same worker tend to reuse the same source port.
func Dial(ctx context.Context, params *operation.StartParams, partitionIndex int, localIP net.IP, logger *zerolog.Logger) (quic.Connection, error) {
	cfg, ok := params.Configuration.(*Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("transportconn: ConnectionStart requires a *transportconn.Config")
	}

	udpConn, err := bindUDPConn(partitionIndex, localIP, logger)
	if err != nil {
		return nil, err
	}

	remote := &net.UDPAddr{IP: net.ParseIP(params.ServerName), Port: int(params.ServerPort)}
	if remote.IP == nil {
		addrs, resolveErr := net.DefaultResolver.LookupIP(ctx, addressFamilyNetwork(params.AddressFamily), params.ServerName)
		if resolveErr != nil || len(addrs) == 0 {
			udpConn.Close()
			return nil, &DialError{Cause: fmt.Errorf("resolve %s: %w", params.ServerName, resolveErr)}
		}
		remote.IP = addrs[0]
	}

	session, err := quic.Dial(ctx, udpConn, remote, cfg.TLS, cfg.Quic)
	if err != nil {
		udpConn.Close()
		return nil, &DialError{Cause: err}
	}

	return &closeableConn{Connection: session, udpConn: udpConn}, nil
}

// addressFamilyNetwork maps the AddressFamily byte from StartParams onto
// a net.DefaultResolver network hint ("ip4"/"ip6"/"ip" for unspecified).
func addressFamilyNetwork(family uint8) string {
	switch family {
	case 4:
		return "ip4"
	case 6:
		return "ip6"
	default:
		return "ip"
	}
}

package transportconn

import (
	"context"
	"fmt"
	"net"

	quic "github.com/lucas-clemente/quic-go"
	"github.com/rs/zerolog"
)

// Listener accepts inbound QUIC connections, the server-side counterpart
// to Dial. Grounded on the coredns DoQ server's quic.Listen/AcceptStream
// shape carried in this module's dependency pack, since the teacher repo
// itself is client-only.
type Listener struct {
	quicListener quic.Listener
	logger       *zerolog.Logger
}

// Listen binds addr and starts a QUIC listener with cfg.
func Listen(addr string, cfg *Config, logger *zerolog.Logger) (*Listener, error) {
	if cfg == nil || cfg.TLS == nil {
		return nil, fmt.Errorf("transportconn: Listen requires TLS configuration")
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	packetConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	ql, err := quic.Listen(packetConn, cfg.TLS, cfg.Quic)
	if err != nil {
		packetConn.Close()
		return nil, err
	}
	return &Listener{quicListener: ql, logger: logger}, nil
}

// Accept blocks for the next inbound handshake. The returned
// quic.Connection is handed to the connection-processing core to drive
// the server-side NewConnection/peer-stream-started path (spec §4.2).
func (l *Listener) Accept(ctx context.Context) (quic.Connection, error) {
	return l.quicListener.Accept(ctx)
}

// Close stops accepting new connections. In-flight connections are
// unaffected.
func (l *Listener) Close() error {
	return l.quicListener.Close()
}

// Addr reports the local address the listener bound.
func (l *Listener) Addr() net.Addr {
	return l.quicListener.Addr()
}

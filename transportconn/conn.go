package transportconn

import (
	"context"
	"errors"
	"fmt"
	"net"

	quic "github.com/lucas-clemente/quic-go"
)

// Conn is the thin per-connection handle the root package drives: it
// owns the underlying quic.Connection and exposes only the operations
// the connection-processing core needs, so nothing outside this package
// has to import quic-go.
type Conn struct {
	session quic.Connection
}

// NewConn wraps an already-established quic.Connection, whether obtained
// from Dial (client) or Listener.Accept (server).
func NewConn(session quic.Connection) *Conn {
	return &Conn{session: session}
}

// OpenStream opens a new bidirectional stream, non-blocking.
func (c *Conn) OpenStream() (quic.Stream, error) {
	return c.session.OpenStream()
}

// OpenUniStream opens a new send-only stream, non-blocking.
func (c *Conn) OpenUniStream() (quic.SendStream, error) {
	return c.session.OpenUniStream()
}

// AcceptPeerStream blocks for the next stream the peer opens, adapted
// from the teacher's quicConnection.acceptStream loop: it returns nil,
// nil on a clean shutdown (context canceled) instead of treating that as
// an error, since a local ConnectionShutdown canceling this loop's
// context is the ordinary path, not a fault.
func (c *Conn) AcceptPeerStream(ctx context.Context) (quic.Stream, error) {
	stream, err := c.session.AcceptStream(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil
		}
		return nil, fmt.Errorf("transportconn: accept stream: %w", err)
	}
	return stream, nil
}

// SendDatagram sends an unreliable, unordered payload over the QUIC
// connection's datagram extension, satisfying datagram.Sender. Grounded
// on the teacher's DatagramMuxer.SendToSession, which wraps the same
// quic.Connection.SendMessage call.
func (c *Conn) SendDatagram(payload []byte) error {
	return c.session.SendMessage(payload)
}

// ReceiveDatagram blocks for the next inbound datagram, the receive-side
// counterpart to SendDatagram, grounded on the teacher's
// DatagramMuxer.ServeReceive loop.
func (c *Conn) ReceiveDatagram() ([]byte, error) {
	return c.session.ReceiveMessage()
}

// CloseWithError shuts the connection down with an application error
// code and reason string, the terminal step of ConnectionShutdown/Close.
func (c *Conn) CloseWithError(code uint64, reason string) error {
	return c.session.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

// RemoteAddr reports the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

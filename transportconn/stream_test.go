package transportconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	quic "github.com/lucas-clemente/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudflare/quicapi/sendqueue"
)

var testQUICConfig = &quic.Config{
	KeepAlivePeriod: 5 * time.Second,
}

// TestFlushSendDeliversBuffersInOrder dials a loopback QUIC session and
// flushes a small sendqueue through a Stream, the same
// listen-locally/dial-locally harness the teacher's safe stream test
// uses, checking that the peer sees the buffers concatenated in FIFO
// order with Fin set on the last request.
func TestFlushSendDeliversBuffersInOrder(t *testing.T) {
	udpAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	udpListener, err := net.ListenUDP(udpAddr.Network(), udpAddr)
	require.NoError(t, err)
	defer udpListener.Close()

	var serverReady sync.WaitGroup
	serverReady.Add(1)
	var done sync.WaitGroup
	done.Add(2)

	const finFlag = uint32(1)
	received := make(chan []byte, 1)

	go func() {
		defer done.Done()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		listener, err := quic.Listen(udpListener, generateTLSConfig(), testQUICConfig)
		if err != nil {
			t.Error(err)
			serverReady.Done()
			return
		}
		serverReady.Done()
		session, err := listener.Accept(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		quicStream, err := session.AcceptStream(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		buf := make([]byte, 64)
		n, _ := quicStream.Read(buf)
		received <- buf[:n]
	}()

	go func() {
		defer done.Done()
		serverReady.Wait()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{"quicapi-test"}}
		session, err := quic.DialAddr(ctx, udpListener.LocalAddr().String(), tlsConf, testQUICConfig)
		if err != nil {
			t.Error(err)
			return
		}
		quicStream, err := session.OpenStreamSync(ctx)
		if err != nil {
			t.Error(err)
			return
		}
		log := zerolog.Nop()
		stream := NewStream(quicStream, 30*time.Second, &log)

		r1, _ := sendqueue.NewRequest([][]byte{[]byte("hello ")}, 0, 1)
		r2, _ := sendqueue.NewRequest([][]byte{[]byte("world")}, finFlag, 2)

		_, err = stream.FlushSend([]*sendqueue.Request{r1, r2}, finFlag)
		assert.NoError(t, err)
	}()

	done.Wait()

	select {
	case got := <-received:
		assert.Equal(t, "hello world", string(got))
	case <-time.After(5 * time.Second):
		require.Fail(t, "timed out waiting for peer to receive flushed buffers")
	}
}

// fakeStreamError implements quic.StreamError so PeerAbortCode can be
// exercised without a live QUIC session (quic-go only constructs real
// ones from inside its own internal state machine).
type fakeStreamError struct {
	code quic.StreamErrorCode
}

func (e *fakeStreamError) Error() string                   { return "fake stream error" }
func (e *fakeStreamError) Canceled() bool                  { return true }
func (e *fakeStreamError) ErrorCode() quic.StreamErrorCode { return e.code }

func TestPeerAbortCodeExtractsErrorCode(t *testing.T) {
	code, ok := PeerAbortCode(&fakeStreamError{code: 0xBEEF})
	require.True(t, ok)
	assert.Equal(t, uint64(0xBEEF), code)
}

func TestPeerAbortCodeIgnoresUnrelatedErrors(t *testing.T) {
	_, ok := PeerAbortCode(net.ErrClosed)
	assert.False(t, ok)
}

func generateTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{"quicapi-test"},
	}
}

package relay_test

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/relay"
	"github.com/opd-ai/veil/socks"
)

// Compile-time check that both adapters satisfy relay.Ingress.
var (
	_ relay.Ingress = relay.SOCKSIngress{}
	_ relay.Ingress = relay.HTTPConnectIngress{}
)

func TestSOCKSIngressRefuseWritesFailureReply(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go func() {
		// SOCKS5 greeting: version 5, 1 method, no-auth.
		clientSide.Write([]byte{0x05, 0x01, 0x00})
		// CONNECT request to 93.184.216.34:80.
		clientSide.Write([]byte{0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50})
	}()

	sess, err := socks.Handshake(serverSide)
	require.NoError(t, err)

	ingress := relay.SOCKSIngress{Session: sess}
	assert.Equal(t, sess.Conn, ingress.Conn())
	assert.Equal(t, sess.Target, ingress.Target())

	var methodReply [2]byte
	_, err = io.ReadFull(clientSide, methodReply[:])
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- ingress.Refuse(verrors.ErrTransportIO) }()

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply := make([]byte, 10)
	_, err = io.ReadFull(clientSide, reply)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Equal(t, byte(0x05), reply[0])
	assert.Equal(t, byte(socks.ReplyHostUnreachable), reply[1])
}

func TestHTTPConnectIngressRefuseWritesBadGateway(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	defer clientSide.Close()
	defer serverSide.Close()

	go clientSide.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))

	sess, err := socks.HandshakeHTTPConnect(serverSide)
	require.NoError(t, err)

	ingress := relay.HTTPConnectIngress{Session: sess}
	assert.Equal(t, sess.Conn, ingress.Conn())

	errCh := make(chan error, 1)
	go func() { errCh <- ingress.Refuse(verrors.ErrTransportIO) }()

	clientSide.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := clientSide.Read(buf)
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	assert.Contains(t, string(buf[:n]), "502")
}

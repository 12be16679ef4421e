package reliable

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// establishPair brings up a real loopback UDP-backed overlay pair: a
// server Listener on an ephemeral port and a client dialed against it.
// KCP's reliability guarantees only hold over an actual (if local) packet
// carrier, so this drives two real net.PacketConn sockets rather than an
// in-memory pipe.
func establishPair(t *testing.T) (client, server *Overlay) {
	t.Helper()

	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := DefaultConfig()
	ln, err := AcceptServer(serverConn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	acceptCh := make(chan *Overlay, 1)
	errCh := make(chan error, 1)
	go func() {
		srv, err := ln.Accept()
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- srv
	}()

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	cli, err := DialClient(clientConn, serverConn.LocalAddr(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { cli.Close() })

	select {
	case srv := <-acceptCh:
		t.Cleanup(func() { srv.Close() })
		return cli, srv
	case err := <-errCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server overlay to accept")
	}
	return nil, nil
}

func TestOverlayRoundTrip(t *testing.T) {
	client, server := establishPair(t)

	msg := []byte("reliable overlay payload")
	n, err := client.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, 256)
	server.stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, buf[:n])
}

func TestOverlayBidirectional(t *testing.T) {
	client, server := establishPair(t)

	clientMsg := []byte("client to server")
	serverMsg := []byte("server to client")

	_, err := client.Write(clientMsg)
	require.NoError(t, err)
	_, err = server.Write(serverMsg)
	require.NoError(t, err)

	buf := make([]byte, 256)
	server.stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, clientMsg, buf[:n])

	client.stream.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, serverMsg, buf[:n])
}

func TestOverlayConvIDMatchesBothSides(t *testing.T) {
	client, server := establishPair(t)
	require.Equal(t, client.ConvID(), server.ConvID())
}

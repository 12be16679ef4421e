package socks

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSOCKS5ConnectIPv4 exercises the full CONNECT handshake against an
// IPv4 target end to end over an in-memory pipe.
func TestSOCKS5ConnectIPv4(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan *Session, 1)
	errs := make(chan error, 1)
	go func() {
		sess, err := Handshake(server)
		if err != nil {
			errs <- err
			return
		}
		done <- sess
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))

	_, err := client.Write([]byte{0x05, 0x01, authNoAuth})
	require.NoError(t, err)

	var methodReply [2]byte
	_, err = io.ReadFull(client, methodReply[:])
	require.NoError(t, err)
	assert.Equal(t, [2]byte{0x05, authNoAuth}, methodReply)

	target := Address{Type: AddrIPv4, IP: net.IPv4(93, 184, 216, 34).To4(), Port: 80}
	request := append([]byte{0x05, byte(CommandConnect), 0x00}, target.encode()...)
	_, err = client.Write(request)
	require.NoError(t, err)

	select {
	case sess := <-done:
		assert.Equal(t, CommandConnect, sess.Command)
		assert.Equal(t, "93.184.216.34:80", sess.Target.HostPort())

		go sess.ReplySuccess(&fakeConn{local: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1080}})

		reply := make([]byte, 10)
		_, err = io.ReadFull(client, reply)
		require.NoError(t, err)
		assert.Equal(t, byte(0x05), reply[0])
		assert.Equal(t, byte(ReplySucceeded), reply[1])
	case err := <-errs:
		t.Fatalf("handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestHandshakeRejectsBind(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := Handshake(server)
		errs <- err
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte{0x05, 0x01, authNoAuth})
	var methodReply [2]byte
	io.ReadFull(client, methodReply[:])

	target := Address{Type: AddrIPv4, IP: net.IPv4zero.To4(), Port: 0}
	request := append([]byte{0x05, byte(CommandBind), 0x00}, target.encode()...)
	// Handshake rejects BIND after the 4-byte header and never reads the
	// address, so the write must not block the reply read on net.Pipe.
	go client.Write(request)

	reply := make([]byte, 10)
	io.ReadFull(client, reply)
	assert.Equal(t, byte(ReplyCommandNotSupported), reply[1])

	err := <-errs
	assert.Error(t, err)
}

func TestHandshakeRejectsUnacceptableAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := Handshake(server)
		errs <- err
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte{0x05, 0x01, 0x02}) // username/password only

	var methodReply [2]byte
	io.ReadFull(client, methodReply[:])
	assert.Equal(t, byte(authNoAcceptable), methodReply[1])

	err := <-errs
	assert.Error(t, err)
}

func TestHandshakeRejectsWrongVersion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := Handshake(server)
		errs <- err
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte{0x04, 0x01, authNoAuth})

	err := <-errs
	assert.Error(t, err)
}

// fakeConn satisfies net.Conn enough for ReplySuccess's LocalAddr() use.
type fakeConn struct {
	net.Conn
	local net.Addr
}

func (f *fakeConn) LocalAddr() net.Addr { return f.local }

package socks

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeHTTPConnect(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	done := make(chan *HTTPConnectSession, 1)
	errs := make(chan error, 1)
	go func() {
		sess, err := HandshakeHTTPConnect(server)
		if err != nil {
			errs <- err
			return
		}
		done <- sess
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := client.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	require.NoError(t, err)

	select {
	case sess := <-done:
		assert.Equal(t, AddrDomain, sess.Target.Type)
		assert.Equal(t, "example.com:443", sess.Target.HostPort())

		go sess.Accept()
		reader := bufio.NewReader(client)
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Contains(t, line, "200")
	case err := <-errs:
		t.Fatalf("handshake failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func TestHandshakeHTTPConnectRejectsOtherMethods(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	errs := make(chan error, 1)
	go func() {
		_, err := HandshakeHTTPConnect(server)
		errs <- err
	}()

	client.SetDeadline(time.Now().Add(2 * time.Second))
	client.Write([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	err := <-errs
	assert.Error(t, err)
}

func TestAddressFromHostPortIPv4(t *testing.T) {
	addr, err := addressFromHostPort("203.0.113.1:8080")
	require.NoError(t, err)
	assert.Equal(t, AddrIPv4, addr.Type)
	assert.Equal(t, uint16(8080), addr.Port)
}

func TestAddressFromHostPortDomain(t *testing.T) {
	addr, err := addressFromHostPort("example.com:443")
	require.NoError(t, err)
	assert.Equal(t, AddrDomain, addr.Type)
	assert.Equal(t, "example.com", addr.Domain)
}

func TestAddressFromHostPortInvalid(t *testing.T) {
	_, err := addressFromHostPort("not-a-hostport")
	assert.Error(t, err)
}

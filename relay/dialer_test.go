package relay_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/relay"
)

func TestNewDialerDirectDialsReachableListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	dialer, err := relay.NewDialer(config.ServerConfig{}, time.Second)
	require.NoError(t, err)

	conn, err := dialer.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn.Close()
}

func TestNewDialerRejectsUnrecognizedForwardProto(t *testing.T) {
	_, err := relay.NewDialer(config.ServerConfig{ForwardProto: "quic"}, time.Second)
	assert.Error(t, err)
}

func TestNewDialerBuildsSocks5Dialer(t *testing.T) {
	dialer, err := relay.NewDialer(config.ServerConfig{
		ForwardProto: "socks5",
		ForwardAddr:  "127.0.0.1:1",
	}, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, dialer)
}

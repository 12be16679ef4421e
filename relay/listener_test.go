package relay_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/veil/relay"
)

func TestListenerAcceptsOnEveryBind(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)

	ln := relay.NewListener(func(ctx context.Context, conn net.Conn, bind relay.BindSpec) {
		defer conn.Close()
		mu.Lock()
		seen[bind.Shape]++
		mu.Unlock()
		conn.Write([]byte("ok"))
	})

	err := ln.Start(context.Background(), []relay.BindSpec{
		{Addr: "127.0.0.1:0", Shape: "https"},
		{Addr: "127.0.0.1:0", Shape: "dns"},
	})
	require.NoError(t, err)
	defer ln.Close()

	addrs := ln.Addrs()
	require.Len(t, addrs, 2)

	for _, addr := range addrs {
		conn, err := net.DialTimeout("tcp", addr.String(), time.Second)
		require.NoError(t, err)
		conn.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 2)
		_, err = io.ReadFull(conn, buf)
		require.NoError(t, err)
		assert.Equal(t, "ok", string(buf))
		conn.Close()
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["https"] == 1 && seen["dns"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	stats := ln.Stats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		assert.Equal(t, int64(1), s.Accepted)
		assert.Equal(t, int64(0), s.Failed)
	}
}

func TestListenerStartReportsBindFailure(t *testing.T) {
	// Occupy a port so the second bind to the same address fails.
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	ln := relay.NewListener(func(context.Context, net.Conn, relay.BindSpec) {})
	err = ln.Start(context.Background(), []relay.BindSpec{
		{Addr: occupied.Addr().String()},
		{Addr: "127.0.0.1:0"},
	})
	assert.Error(t, err)
	defer ln.Close()

	// The second, valid bind should still have succeeded.
	assert.Len(t, ln.Addrs(), 1)
}

func TestListenerCloseStopsAcceptLoops(t *testing.T) {
	ln := relay.NewListener(func(context.Context, net.Conn, relay.BindSpec) {})
	require.NoError(t, ln.Start(context.Background(), []relay.BindSpec{{Addr: "127.0.0.1:0"}}))

	addr := ln.Addrs()[0].String()
	require.NoError(t, ln.Close())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

package handshake_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/veil/handshake"
)

func TestHandshakeKKMutualAuth(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	clientStatic, err := handshake.GenerateStaticKeypair(handshake.CipherChaCha20Poly1305)
	require.NoError(t, err)
	serverStatic, err := handshake.GenerateStaticKeypair(handshake.CipherChaCha20Poly1305)
	require.NoError(t, err)

	clientHS, err := handshake.New(handshake.Config{
		Pattern:      handshake.PatternKK,
		Role:         handshake.RoleInitiator,
		LocalStatic:  &clientStatic,
		RemoteStatic: serverStatic.Public,
	})
	require.NoError(t, err)

	serverHS, err := handshake.New(handshake.Config{
		Pattern:      handshake.PatternKK,
		Role:         handshake.RoleResponder,
		LocalStatic:  &serverStatic,
		RemoteStatic: clientStatic.Public,
	})
	require.NoError(t, err)

	type res struct {
		ok  bool
		err error
	}
	clientDone := make(chan res, 1)
	serverDone := make(chan res, 1)

	go func() {
		ch, err := clientHS.Run(c1, time.Now().Add(5*time.Second))
		clientDone <- res{ch != nil, err}
	}()
	go func() {
		ch, err := serverHS.Run(c2, time.Now().Add(5*time.Second))
		serverDone <- res{ch != nil, err}
	}()

	cr := <-clientDone
	sr := <-serverDone
	require.NoError(t, cr.err)
	require.NoError(t, sr.err)
	assert.True(t, cr.ok)
	assert.True(t, sr.ok)
	assert.True(t, clientHS.Complete())
	assert.True(t, serverHS.Complete())
}

func TestHandshakeFailsOnPeerCloseBeforeCompletion(t *testing.T) {
	c1, c2 := net.Pipe()

	serverStatic, err := handshake.GenerateStaticKeypair(handshake.CipherChaCha20Poly1305)
	require.NoError(t, err)

	clientHS, err := handshake.New(handshake.Config{
		Pattern:      handshake.PatternNK,
		Role:         handshake.RoleInitiator,
		RemoteStatic: serverStatic.Public,
	})
	require.NoError(t, err)

	c2.Close()
	_, err = clientHS.Run(c1, time.Now().Add(2*time.Second))
	assert.Error(t, err)
}

func TestUnrecognizedPatternRejected(t *testing.T) {
	_, err := handshake.New(handshake.Config{
		Pattern: "NN",
		Role:    handshake.RoleInitiator,
	})
	assert.Error(t, err)
}

package wrapper

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSWrapUnwrapRoundTrip(t *testing.T) {
	w, err := New("https", RoleClient)
	require.NoError(t, err)

	ciphertext := bytes.Repeat([]byte{0xAB}, 1016)
	wrapped, err := w.Wrap(ciphertext)
	require.NoError(t, err)

	assert.Equal(t, 1021, len(wrapped))
	assert.Equal(t, byte(0x17), wrapped[0])
	assert.Equal(t, []byte{0x03, 0x03}, wrapped[1:3])
	assert.Equal(t, []byte{0x03, 0xF8}, wrapped[3:5])

	unwrapped, err := w.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, unwrapped)
}

func TestHTTPSUnwrapRejectsBadContentType(t *testing.T) {
	w, err := New("https", RoleClient)
	require.NoError(t, err)

	_, err = w.Unwrap([]byte{0x16, 0x03, 0x03, 0x00, 0x10})
	assert.Error(t, err)
}

func TestTLSAliasNormalizesToHTTPS(t *testing.T) {
	w, err := New("TLS", RoleClient)
	require.NoError(t, err)
	assert.Equal(t, "https", w.ProtocolID())
}

// TestDNSShapeClientServerRoundTrip exercises the asymmetric DNS shape
// (distinct query/response formats) across a client-role and a
// server-role Wrapper, the way the two ends of a session actually use it.
func TestDNSShapeClientServerRoundTrip(t *testing.T) {
	client, err := New("dns", RoleClient)
	require.NoError(t, err)
	require.False(t, client.IsExperimental())

	server, err := New("dns", RoleServer)
	require.NoError(t, err)

	query := []byte("client noise ciphertext + tag")
	wrappedQuery, err := client.Wrap(query)
	require.NoError(t, err)
	assert.Greater(t, len(wrappedQuery), len(query))

	gotQuery, err := server.Unwrap(wrappedQuery)
	require.NoError(t, err)
	assert.Equal(t, query, gotQuery)

	response := []byte("server noise ciphertext + tag")
	wrappedResponse, err := server.Wrap(response)
	require.NoError(t, err)

	gotResponse, err := client.Unwrap(wrappedResponse)
	require.NoError(t, err)
	assert.Equal(t, response, gotResponse)
}

func TestSSHShapeLoadsAndIsNotExperimental(t *testing.T) {
	w, err := New("ssh", RoleClient)
	require.NoError(t, err)
	assert.False(t, w.IsExperimental())

	ciphertext := []byte("noise payload")
	wrapped, err := w.Wrap(ciphertext)
	require.NoError(t, err)

	unwrapped, err := w.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, unwrapped)
}

func TestQuicShapeMarkedExperimental(t *testing.T) {
	w, err := New("quic", RoleClient)
	require.NoError(t, err)
	assert.True(t, w.IsExperimental())

	ciphertext := []byte("noise payload")
	wrapped, err := w.Wrap(ciphertext)
	require.NoError(t, err)

	unwrapped, err := w.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, unwrapped)
}

func TestUnknownProtocolPassesThrough(t *testing.T) {
	w, err := New("some-unembedded-protocol", RoleClient)
	require.NoError(t, err)

	data := []byte("raw noise record")
	wrapped, err := w.Wrap(data)
	require.NoError(t, err)
	assert.Equal(t, data, wrapped)

	unwrapped, err := w.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, data, unwrapped)
}

func TestHTTPSReadFrameFromStream(t *testing.T) {
	client, err := New("https", RoleClient)
	require.NoError(t, err)
	server, err := New("https", RoleServer)
	require.NoError(t, err)

	ciphertext := bytes.Repeat([]byte{0xCD}, 300)
	wrapped, err := client.Wrap(ciphertext)
	require.NoError(t, err)

	stream := bytes.NewReader(append(append([]byte{}, wrapped...), []byte("next frame")...))
	read, err := server.ReadFrame(stream)
	require.NoError(t, err)
	assert.Equal(t, wrapped, read)

	unwrapped, err := server.Unwrap(read)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, unwrapped)
}

func TestDNSReadFrameFromStream(t *testing.T) {
	client, err := New("dns", RoleClient)
	require.NoError(t, err)
	server, err := New("dns", RoleServer)
	require.NoError(t, err)

	payload := []byte("query payload")
	wrapped, err := client.Wrap(payload)
	require.NoError(t, err)

	stream := bytes.NewReader(wrapped)
	read, err := server.ReadFrame(stream)
	require.NoError(t, err)

	unwrapped, err := server.Unwrap(read)
	require.NoError(t, err)
	assert.Equal(t, payload, unwrapped)
}

func TestReadFrameUnsupportedOnPassThrough(t *testing.T) {
	w, err := New("some-unembedded-protocol", RoleClient)
	require.NoError(t, err)

	_, err = w.ReadFrame(bytes.NewReader([]byte("data")))
	assert.Error(t, err)
}

func TestHTTPSHandshakeDressingRoundTrip(t *testing.T) {
	w, err := New("https", RoleClient)
	require.NoError(t, err)
	require.True(t, w.HasHandshakeDressing())

	handshakeMsg := []byte("noise handshake message 1")
	wrapped, err := w.WrapHandshake(handshakeMsg)
	require.NoError(t, err)
	assert.Equal(t, byte(0x16), wrapped[0]) // TLS handshake content type

	unwrapped, err := w.UnwrapHandshake(wrapped)
	require.NoError(t, err)
	assert.Equal(t, handshakeMsg, unwrapped)
}

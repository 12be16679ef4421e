package relay_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/relay"
)

func TestDeriveStaticKeypairDeterministic(t *testing.T) {
	cfg := config.EncryptionConfig{Password: "correct horse battery staple", Salt: "test-salt"}

	k1, err := relay.DeriveStaticKeypair(cfg)
	require.NoError(t, err)
	k2, err := relay.DeriveStaticKeypair(cfg)
	require.NoError(t, err)

	assert.Equal(t, k1.Private, k2.Private)
	assert.Equal(t, k1.Public, k2.Public)
	assert.Len(t, k1.Private, 32)
	assert.Len(t, k1.Public, 32)
}

func TestDeriveStaticKeypairDifferentPasswordsDiffer(t *testing.T) {
	k1, err := relay.DeriveStaticKeypair(config.EncryptionConfig{Password: "alpha", Salt: "s"})
	require.NoError(t, err)
	k2, err := relay.DeriveStaticKeypair(config.EncryptionConfig{Password: "beta", Salt: "s"})
	require.NoError(t, err)

	assert.NotEqual(t, k1.Private, k2.Private)
}

func TestDeriveStaticKeyPBKDF2(t *testing.T) {
	cfg := config.EncryptionConfig{Password: "p", Salt: "s", KeyDerivation: "pbkdf2"}
	k1, err := relay.DeriveStaticKey(cfg)
	require.NoError(t, err)
	k2, err := relay.DeriveStaticKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 32)
}

func TestDeriveStaticKeyRequiresPassword(t *testing.T) {
	_, err := relay.DeriveStaticKey(config.EncryptionConfig{})
	assert.Error(t, err)
}

func TestDeriveStaticKeyUnrecognizedDerivation(t *testing.T) {
	_, err := relay.DeriveStaticKey(config.EncryptionConfig{Password: "p", KeyDerivation: "scrypt"})
	assert.Error(t, err)
}

// Package relay implements the Relay Core (C9): the orchestration layer
// tying ingress, handshake, AEAD, the protocol wrapper, the shape-shift
// controller, and the transport layers together into one running session,
// grounded on the teacher's top-level toxcore.go Tox struct ("one struct
// wires everything") and transport/relay.go's RelayState enum idiom.
package relay

import (
	"crypto/sha256"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/pbkdf2"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/verrors"
)

const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // KiB
	argon2Threads = 4

	pbkdf2Iterations = 100_000

	derivedKeyLen = 32 // Noise DH25519 static private key length
)

// DeriveStaticKey turns an operator-supplied passphrase plus salt into a
// Noise static private key, per encryption.key_derivation. This is the
// config-time counterpart to handshake.GenerateStaticKeypair: where that
// generates a fresh random key, this reproduces the same key deterministically
// across client and server runs from a shared secret.
func DeriveStaticKey(cfg config.EncryptionConfig) ([]byte, error) {
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: encryption.password required for password-derived keys", verrors.ErrConfigInvalid)
	}
	salt := []byte(cfg.Salt)
	if len(salt) == 0 {
		salt = []byte("veil-default-salt")
	}

	switch cfg.KeyDerivation {
	case "pbkdf2":
		return pbkdf2.Key([]byte(cfg.Password), salt, pbkdf2Iterations, derivedKeyLen, sha256.New), nil
	case "argon2", "":
		return argon2.IDKey([]byte(cfg.Password), salt, argon2Time, argon2Memory, argon2Threads, derivedKeyLen), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized key_derivation %q", verrors.ErrConfigInvalid, cfg.KeyDerivation)
	}
}

// DeriveStaticKeypair derives a full Noise X25519 keypair from cfg,
// clamping the derived bytes as a Curve25519 scalar and computing the
// matching public point, so both ends of a password-protected tunnel
// arrive at the same static identity without exchanging key files.
func DeriveStaticKeypair(cfg config.EncryptionConfig) (noise.DHKey, error) {
	priv, err := DeriveStaticKey(cfg)
	if err != nil {
		return noise.DHKey{}, err
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("%w: derive public key: %v", verrors.ErrConfigInvalid, err)
	}
	return noise.DHKey{Private: priv, Public: pub}, nil
}

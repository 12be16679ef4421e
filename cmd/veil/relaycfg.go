package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"

	"github.com/opd-ai/veil/handshake"
	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/relay"
	"github.com/opd-ai/veil/wrapper"
)

// curve25519PublicFor derives the public point for an explicitly configured
// raw private key, mirroring relay.DeriveStaticKeypair's clamping step for
// the password-derived path.
func curve25519PublicFor(priv []byte) ([]byte, error) {
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key from local_private_key: %w", err)
	}
	return pub, nil
}

// handshakeTimeout and idleTimeout bound the handshake and overall session
// lifetime; unexposed as config knobs since neither appeared in the
// external-interfaces table.
const (
	handshakeTimeout = 10 * time.Second
	idleTimeout      = 5 * time.Minute
)

// staticKeypair resolves cfg's Noise static keypair: an explicit hex-encoded
// local_private_key takes precedence, falling back to the password-derived
// key so a shared passphrase alone is enough to stand up a matching pair.
func staticKeypair(cfg *config.Config) (noise.DHKey, error) {
	if cfg.Transport.LocalPrivateKey != "" {
		priv, err := hex.DecodeString(cfg.Transport.LocalPrivateKey)
		if err != nil {
			return noise.DHKey{}, fmt.Errorf("transport.local_private_key: %w", err)
		}
		pub, err := curve25519PublicFor(priv)
		if err != nil {
			return noise.DHKey{}, err
		}
		return noise.DHKey{Private: priv, Public: pub}, nil
	}
	return relay.DeriveStaticKeypair(cfg.Encryption)
}

func remoteStaticKey(cfg *config.Config) ([]byte, error) {
	if cfg.Transport.RemotePublicKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(cfg.Transport.RemotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("transport.remote_public_key: %w", err)
	}
	return key, nil
}

// buildShapeWrapper materializes the wrapper.Wrapper for the shape named by
// shapeID (typically the shapeshift controller's current protocol).
func buildShapeWrapper(shapeID string, role wrapper.Role) (*wrapper.Wrapper, error) {
	return wrapper.New(shapeID, role)
}

// buildHandshakeConfig assembles the handshake.Config shared by client and
// server cores, everything except Role (NewClientCore/NewServerCore set
// that themselves). Which of LocalStatic/RemoteStatic is required depends
// on Pattern AND isServer jointly: NK needs only the responder's static
// keypair, so the initiator (client) instead needs the responder's public
// key as RemoteStatic; XX needs neither; KK needs both sides' static
// keypairs plus the peer's static public key.
func buildHandshakeConfig(cfg *config.Config, isServer bool) (handshake.Config, error) {
	pattern := handshake.Pattern(strings.ToUpper(cfg.Transport.Pattern))

	hcfg := handshake.Config{
		Pattern: pattern,
		Cipher:  handshake.CipherSuiteName(cfg.Encryption.Cipher),
	}

	needLocal := isServer && pattern == handshake.PatternNK || pattern == handshake.PatternKK
	if needLocal {
		keypair, err := staticKeypair(cfg)
		if err != nil {
			return handshake.Config{}, err
		}
		hcfg.LocalStatic = &keypair
	}

	needRemote := !isServer && pattern == handshake.PatternNK || pattern == handshake.PatternKK
	if needRemote {
		remote, err := remoteStaticKey(cfg)
		if err != nil {
			return handshake.Config{}, err
		}
		if len(remote) == 0 {
			return handshake.Config{}, fmt.Errorf("transport.remote_public_key: required for pattern %s", pattern)
		}
		hcfg.RemoteStatic = remote
	}

	return hcfg, nil
}

// buildRelayConfig assembles the relay.Config shared by client and server
// cores for the currently active shape. isServer picks which side of the
// handshake this config's key material is built for.
func buildRelayConfig(cfg *config.Config, shapeID string, role wrapper.Role, isServer bool) (relay.Config, error) {
	hcfg, err := buildHandshakeConfig(cfg, isServer)
	if err != nil {
		return relay.Config{}, err
	}

	w, err := buildShapeWrapper(shapeID, role)
	if err != nil {
		return relay.Config{}, err
	}

	rcfg := relay.Config{
		HandshakeConfig:  hcfg,
		HandshakeTimeout: handshakeTimeout,
		IdleTimeout:      idleTimeout,
		Wrapper:          w,
		Pacer:            relay.NewPacer(cfg.TrafficShaping, time.Now().UnixNano()),
	}
	return rcfg, nil
}

// Package handshake performs veil's Noise-family key-agreement (C2),
// generalizing the teacher's single hard-coded IK pattern into a pattern
// table covering NK, XX, and KK, and yielding an aead.Channel (C1) on
// completion.
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"

	"github.com/opd-ai/veil/aead"
	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

// Role identifies which side of the handshake this instance plays.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "responder"
}

// Pattern names the supported Noise handshake patterns, per the Handshake
// Engine contract table.
type Pattern string

const (
	PatternNK Pattern = "NK"
	PatternXX Pattern = "XX"
	PatternKK Pattern = "KK"
)

var patterns = map[Pattern]noise.HandshakePattern{
	PatternNK: noise.HandshakeNK,
	PatternXX: noise.HandshakeXX,
	PatternKK: noise.HandshakeKK,
}

// CipherSuiteName selects the AEAD construction negotiated during the
// handshake and used for every subsequent record.
type CipherSuiteName string

const (
	CipherChaCha20Poly1305 CipherSuiteName = "chacha20-poly1305"
	CipherAES256GCM        CipherSuiteName = "aes-256-gcm"
)

const (
	// DefaultTimeout bounds how long a handshake may take before it is
	// considered failed, independent of any transport-level deadline.
	DefaultTimeout = 10 * time.Second

	lengthPrefixSize = 2
	maxMessageSize   = 65535
)

// Handshake drives one Noise handshake to completion over an
// io.ReadWriter.
type Handshake struct {
	role        Role
	pattern     Pattern
	state       *noise.HandshakeState
	localStatic noise.DHKey

	complete  bool
	timestamp int64
}

// Config carries the static/remote key material a Handshake may need,
// depending on pattern: NK needs only the responder's static keypair (and,
// on the initiator side, the responder's public key); XX needs neither
// side pre-provisioned; KK needs both sides' static keypairs plus the
// peer's static public key.
type Config struct {
	Pattern      Pattern
	Role         Role
	Cipher       CipherSuiteName
	LocalStatic  *noise.DHKey // required for the NK responder and for KK on both sides; a fresh keypair is generated when nil
	RemoteStatic []byte       // required for NK initiator and KK both sides
	Prologue     []byte
}

// New constructs a Handshake ready to exchange its first message.
func New(cfg Config) (*Handshake, error) {
	pat, ok := patterns[cfg.Pattern]
	if !ok {
		return nil, fmt.Errorf("%w: unrecognized handshake pattern %q", verrors.ErrHandshakeFailure, cfg.Pattern)
	}

	suite := cipherSuiteFor(cfg.Cipher)

	var localStatic noise.DHKey
	if cfg.LocalStatic != nil {
		localStatic = *cfg.LocalStatic
	} else {
		var err error
		localStatic, err = suite.GenerateKeypair(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("%w: generate local keypair: %v", verrors.ErrHandshakeFailure, err)
		}
	}

	noiseCfg := noise.Config{
		CipherSuite:   suite,
		Random:        rand.Reader,
		Pattern:       pat,
		Initiator:     cfg.Role == RoleInitiator,
		Prologue:      cfg.Prologue,
		StaticKeypair: localStatic,
	}
	if len(cfg.RemoteStatic) > 0 {
		noiseCfg.PeerStatic = cfg.RemoteStatic
	}

	state, err := noise.NewHandshakeState(noiseCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: construct handshake state: %v", verrors.ErrHandshakeFailure, err)
	}

	return &Handshake{
		role:        cfg.Role,
		pattern:     cfg.Pattern,
		state:       state,
		localStatic: localStatic,
	}, nil
}

func cipherSuiteFor(name CipherSuiteName) noise.CipherSuite {
	switch name {
	case CipherAES256GCM:
		return noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
	default:
		return noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	}
}

// LocalStaticPublicKey exposes this handshake's local static public key,
// e.g. for operators to publish as a remote_public_key value.
func (h *Handshake) LocalStaticPublicKey() []byte {
	return h.localStatic.Public
}

// Complete reports whether the handshake has produced transport keys.
func (h *Handshake) Complete() bool { return h.complete }

// Run drives the handshake to completion over rw, writing and reading
// length-prefixed messages in the pattern's defined message order, and
// returns the resulting AEAD channel. Any I/O error, malformed length
// prefix, or peer closure before completion is fatal.
func (h *Handshake) Run(rw io.ReadWriter, deadline time.Time) (*aead.Channel, error) {
	log := vlog.For("handshake", "Run").WithField("role", h.role).WithField("pattern", h.pattern)

	if dl, ok := rw.(interface{ SetDeadline(time.Time) error }); ok && !deadline.IsZero() {
		_ = dl.SetDeadline(deadline)
	}

	initiatesFirst := h.role == RoleInitiator
	var csOut, csIn *noise.CipherState

	for csOut == nil {
		if initiatesFirst {
			out, cs0, cs1, err := h.state.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: write handshake message: %v", verrors.ErrHandshakeFailure, err)
			}
			if err := writeFramed(rw, out); err != nil {
				return nil, err
			}
			if cs0 != nil {
				csOut, csIn = cs0, cs1
				break
			}
		}

		in, err := readFramed(rw)
		if err != nil {
			return nil, err
		}
		_, cs0, cs1, err := h.state.ReadMessage(nil, in)
		if err != nil {
			return nil, fmt.Errorf("%w: read handshake message: %v", verrors.ErrHandshakeFailure, err)
		}
		if cs0 != nil {
			// flynn/noise returns (initiator->responder, responder->initiator)
			// regardless of which side made the completing call; the
			// responder's swap happens below.
			csOut, csIn = cs0, cs1
			break
		}

		initiatesFirst = true
	}

	if h.role == RoleResponder {
		csOut, csIn = csIn, csOut
	}

	h.complete = true
	h.timestamp = time.Now().UnixNano()
	log.Info("handshake complete")

	return aead.NewFromCipherStates(csOut, csIn), nil
}

func writeFramed(w io.Writer, msg []byte) error {
	if len(msg) > maxMessageSize {
		return fmt.Errorf("%w: handshake message %d exceeds max size", verrors.ErrHandshakeFailure, len(msg))
	}
	hdr := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint16(hdr, uint16(len(msg)))
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("%w: write length prefix: %v", verrors.ErrHandshakeFailure, err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("%w: write message: %v", verrors.ErrHandshakeFailure, err)
	}
	return nil
}

func readFramed(r io.Reader) ([]byte, error) {
	hdr := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: peer closed before handshake completed", verrors.ErrHandshakeFailure)
		}
		return nil, fmt.Errorf("%w: read length prefix: %v", verrors.ErrHandshakeFailure, err)
	}
	n := binary.BigEndian.Uint16(hdr)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: read message body: %v", verrors.ErrHandshakeFailure, err)
	}
	return buf, nil
}

// GenerateStaticKeypair produces a fresh Noise static keypair for
// configuration-time key generation (e.g. server.listen_addr setup).
func GenerateStaticKeypair(cipher CipherSuiteName) (noise.DHKey, error) {
	suite := cipherSuiteFor(cipher)
	return suite.GenerateKeypair(rand.Reader)
}

// IsTimeout reports whether err indicates the handshake missed its
// deadline, for callers that want to distinguish it from other transport
// errors.
func IsTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Package aead implements veil's post-handshake record channel (C1),
// wrapping the pair of noise.CipherState values the Handshake Engine
// yields on completion, the same shape the Noise transport session this
// module descends from keeps as sendCipher/recvCipher per direction,
// and layering on the record-size and counter-integrity ceilings this
// design requires beyond what the Noise library enforces on its own.
package aead

import (
	"fmt"
	"sync"

	"github.com/flynn/noise"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

const (
	// MaxRecordSize is the largest plaintext a single Encrypt call will
	// accept, matching the PSF varint-length ceiling used by every shape.
	MaxRecordSize = 65535

	// MaxCounter is the integrity limit on records sent in one direction
	// before the channel must be considered exhausted.
	MaxCounter = uint64(1) << 52

	tagSize = 16
)

// direction pairs a noise.CipherState with the monotonic counter this
// design tracks explicitly (the Noise library advances its own internal
// nonce in lock-step, but does not expose it for the integrity-limit check
// the spec requires).
type direction struct {
	cs      *noise.CipherState
	counter uint64
	mu      sync.Mutex
}

// Channel is a post-handshake AEAD record stream with independent send and
// receive directions.
type Channel struct {
	send *direction
	recv *direction
}

// NewFromCipherStates builds a Channel from the send/recv noise.CipherState
// pair a completed Handshake yields. send encrypts outbound records; recv
// decrypts inbound ones.
func NewFromCipherStates(send, recv *noise.CipherState) *Channel {
	return &Channel{
		send: &direction{cs: send},
		recv: &direction{cs: recv},
	}
}

// Encrypt seals plaintext, returning ciphertext with the 16-byte tag
// appended, and advances the send counter. Fails only on exceeding
// MaxRecordSize or MaxCounter.
func (c *Channel) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxRecordSize {
		return nil, fmt.Errorf("%w: plaintext %d exceeds max record size %d", verrors.ErrAeadFailure, len(plaintext), MaxRecordSize)
	}

	c.send.mu.Lock()
	defer c.send.mu.Unlock()

	if c.send.counter >= MaxCounter {
		return nil, fmt.Errorf("%w: send counter exhausted", verrors.ErrAeadFailure)
	}
	ct := c.send.cs.Encrypt(nil, nil, plaintext)
	c.send.counter++
	return ct, nil
}

// Decrypt opens ciphertext (which must include its trailing tag) and
// advances the receive counter. Any failure is fatal for the channel per
// the spec's failure semantics; callers must not reuse a Channel after a
// Decrypt error.
func (c *Channel) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext shorter than tag", verrors.ErrAeadFailure)
	}

	c.recv.mu.Lock()
	defer c.recv.mu.Unlock()

	if c.recv.counter >= MaxCounter {
		return nil, fmt.Errorf("%w: recv counter exhausted", verrors.ErrAeadFailure)
	}
	pt, err := c.recv.cs.Decrypt(nil, nil, ciphertext)
	if err != nil {
		vlog.For("aead", "Decrypt").WithField("counter", c.recv.counter).Warn("aead decrypt failure, channel must close")
		return nil, fmt.Errorf("%w: %v", verrors.ErrAeadFailure, err)
	}
	c.recv.counter++
	return pt, nil
}

// SendCounter reports the number of records sent so far, for tests and
// rekey-point decisions.
func (c *Channel) SendCounter() uint64 {
	c.send.mu.Lock()
	defer c.send.mu.Unlock()
	return c.send.counter
}

// RecvCounter reports the number of records received so far.
func (c *Channel) RecvCounter() uint64 {
	c.recv.mu.Lock()
	defer c.recv.mu.Unlock()
	return c.recv.counter
}

package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/veil/aead"
	"github.com/opd-ai/veil/handshake"
	"github.com/opd-ai/veil/internal/vlog"
	"github.com/opd-ai/veil/wrapper"
)

// maxPlaintextRead bounds one local-side read, leaving headroom under
// aead.MaxRecordSize for the pacer's 2-byte length prefix and padding.
const maxPlaintextRead = aead.MaxRecordSize - 2048

// WireDialFunc dials the wire-side connection a client-mode Core relays
// Noise-dressed bytes over: direct TCP to a remote veil peer, or (via a
// DNSWireDialer) a *reliable.Overlay layered on the DNS transport.
type WireDialFunc func(ctx context.Context) (wireConn, error)

// DialDirectWire builds a WireDialFunc that dials addr as plain TCP,
// used when dns.enabled is false.
func DialDirectWire(addr string, timeout time.Duration) WireDialFunc {
	return func(ctx context.Context) (wireConn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// WrapConnDialer adapts any net.Conn-returning dial function into a
// WireDialFunc, for callers that need a custom dial beyond plain TCP or
// the DNS transport (a proxy chain, a test harness, an additional outer
// TLS hop) but still want to drive the result through Core.
func WrapConnDialer(dial func(ctx context.Context) (net.Conn, error)) WireDialFunc {
	return func(ctx context.Context) (wireConn, error) {
		return dial(ctx)
	}
}

// Config carries everything Core needs to drive one relay session,
// independent of which side (client ingress or server peer-accept)
// produced it.
type Config struct {
	HandshakeConfig  handshake.Config
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration

	Wrapper *wrapper.Wrapper
	Pacer   *Pacer

	UpLimiter   *RateLimiter // local -> wire direction
	DownLimiter *RateLimiter // wire -> local direction
}

// Core is the Relay Core (C9): it owns exactly one Channel State and at
// most one wire-side connection per accepted session, generalizing the
// teacher's top-level Tox struct ("one struct wires everything") down to
// the scope of a single relayed connection.
type Core struct {
	cfg Config

	mu    sync.Mutex
	state State

	local net.Conn // plaintext side: the ingress conn (client mode) or the dialed destination (server mode)
	wire  wireConn // dressed/encrypted side: the dialed veil peer (client mode) or the accepted transport conn (server mode)

	ingress  Ingress      // client mode only, for Accept/Refuse
	dialWire WireDialFunc // client mode only, dials the remote veil peer

	serverDialer Dialer // server mode only, dials the real destination
	forwardAddr  string // server mode only
}

// NewClientCore builds a Core for the client-side ingress path: it has
// already accepted a SOCKS5/HTTP CONNECT session and must dial out to the
// configured remote veil peer via dialWire, complete the handshake as the
// Noise initiator, and relay between the two.
func NewClientCore(cfg Config, ingress Ingress, dialWire WireDialFunc) *Core {
	cfg.HandshakeConfig.Role = handshake.RoleInitiator
	return &Core{cfg: cfg, ingress: ingress, dialWire: dialWire, local: ingress.Conn(), state: StateIngressAccepted}
}

// NewServerCore builds a Core for the server side: incoming is an already
// accepted transport connection from a veil client (a direct TCP accept,
// or a *reliable.Overlay from the DNS transport). Core completes the
// handshake as the Noise responder, dials the real destination through
// dialer, and relays between the two.
func NewServerCore(cfg Config, incoming wireConn, dialer Dialer, forwardAddr string) *Core {
	cfg.HandshakeConfig.Role = handshake.RoleResponder
	return &Core{
		cfg:          cfg,
		wire:         incoming,
		serverDialer: dialer,
		forwardAddr:  forwardAddr,
		state:        StateIngressAccepted,
	}
}

// Run drives the session through its full state machine, blocking until
// the session closes or ctx is cancelled. The returned error is nil only
// for a clean, peer-initiated close.
func (c *Core) Run(ctx context.Context) error {
	log := vlog.For("relay", "Core.Run")
	defer c.close()

	if c.cfg.IdleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.IdleTimeout)
		defer cancel()
	}

	if err := c.connectPeer(ctx); err != nil {
		c.setState(StateClosed)
		if c.ingress != nil {
			c.ingress.Refuse(err)
		}
		log.WithError(err).Debug("relay: peer-connecting failed")
		return err
	}

	if c.ingress != nil {
		if err := c.ingress.Accept(nil); err != nil {
			c.setState(StateClosed)
			return err
		}
	}

	channel, err := c.handshake(ctx)
	if err != nil {
		c.setState(StateClosed)
		log.WithError(err).Warn("relay: handshake failed")
		return err
	}

	c.setState(StateRelaying)
	err = c.relay(ctx, channel)
	c.setState(StateDraining)
	c.setState(StateClosed)
	return err
}

func (c *Core) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the session's current lifecycle state.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Core) connectPeer(ctx context.Context) error {
	c.setState(StatePeerConnecting)

	if c.ingress != nil {
		wire, err := c.dialWire(ctx)
		if err != nil {
			return err
		}
		c.wire = wire
		return nil
	}

	conn, err := c.serverDialer.Dial("tcp", c.forwardAddr)
	if err != nil {
		return err
	}
	c.local = conn
	return nil
}

func (c *Core) handshake(ctx context.Context) (*aead.Channel, error) {
	c.setState(StateHandshaking)

	hs, err := handshake.New(c.cfg.HandshakeConfig)
	if err != nil {
		return nil, err
	}

	deadline := time.Time{}
	if c.cfg.HandshakeTimeout > 0 {
		deadline = time.Now().Add(c.cfg.HandshakeTimeout)
	}

	var rw io.ReadWriter
	if c.cfg.Wrapper != nil && c.cfg.Wrapper.HasHandshakeDressing() {
		rw = newDressedHandshakeConn(c.wire, c.cfg.Wrapper)
	} else {
		rw = plainReadWriter{c.wire}
	}

	return hs.Run(rw, deadline)
}

// plainReadWriter adapts wireConn (io.Reader+io.Writer+io.Closer) to
// io.ReadWriter for handshake.Handshake.Run, which never needs Close.
type plainReadWriter struct{ wireConn }

func (c *Core) relay(ctx context.Context, channel *aead.Channel) error {
	errCh := make(chan error, 2)

	go func() { errCh <- c.pumpUpstream(ctx, channel) }()
	go func() { errCh <- c.pumpDownstream(ctx, channel) }()

	var first error
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, io.EOF) && first == nil {
				first = err
			}
			c.close()
		case <-ctx.Done():
			c.close()
			if first == nil {
				first = ctx.Err()
			}
		}
	}
	return first
}

// pumpUpstream reads plaintext from local, pads, encrypts, dresses, and
// writes it to the wire side.
func (c *Core) pumpUpstream(ctx context.Context, channel *aead.Channel) error {
	buf := make([]byte, maxPlaintextRead)
	for {
		n, err := c.local.Read(buf)
		if n > 0 {
			if werr := c.forwardUp(ctx, channel, buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *Core) forwardUp(ctx context.Context, channel *aead.Channel, data []byte) error {
	if c.cfg.UpLimiter != nil {
		if err := c.cfg.UpLimiter.WaitN(ctx, len(data)); err != nil {
			return err
		}
	}
	if c.cfg.Pacer != nil {
		padded, err := c.cfg.Pacer.PadPlaintext(data, true)
		if err != nil {
			return err
		}
		data = padded
	}
	ciphertext, err := channel.Encrypt(data)
	if err != nil {
		return err
	}
	wrapped, err := c.wrap(ciphertext)
	if err != nil {
		return err
	}
	if c.cfg.Pacer != nil {
		c.cfg.Pacer.Wait(true)
	}
	_, err = c.wire.Write(wrapped)
	return err
}

// pumpDownstream reads wrapped records from the wire, unwraps, decrypts,
// unpads, and writes plaintext to local.
func (c *Core) pumpDownstream(ctx context.Context, channel *aead.Channel) error {
	for {
		frame, err := c.readFrame()
		if err != nil {
			return err
		}
		ciphertext, err := c.unwrap(frame)
		if err != nil {
			return err
		}
		plaintext, err := channel.Decrypt(ciphertext)
		if err != nil {
			return err
		}
		if c.cfg.Pacer != nil {
			plaintext, err = UnpadPlaintext(plaintext)
			if err != nil {
				return err
			}
		}
		if c.cfg.DownLimiter != nil {
			if err := c.cfg.DownLimiter.WaitN(ctx, len(plaintext)); err != nil {
				return err
			}
		}
		if len(plaintext) > 0 {
			if _, err := c.local.Write(plaintext); err != nil {
				return err
			}
		}
	}
}

func (c *Core) wrap(ciphertext []byte) ([]byte, error) {
	if c.cfg.Wrapper != nil {
		return c.cfg.Wrapper.Wrap(ciphertext)
	}
	return ciphertext, nil
}

func (c *Core) unwrap(frame []byte) ([]byte, error) {
	if c.cfg.Wrapper != nil {
		return c.cfg.Wrapper.Unwrap(frame)
	}
	return frame, nil
}

func (c *Core) readFrame() ([]byte, error) {
	if c.cfg.Wrapper != nil {
		return c.cfg.Wrapper.ReadFrame(c.wire)
	}
	buf := make([]byte, maxPlaintextRead)
	n, err := c.wire.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *Core) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local != nil {
		c.local.Close()
	}
	if c.wire != nil {
		c.wire.Close()
	}
	c.state = StateClosed
}

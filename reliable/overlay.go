// Package reliable implements the Reliable Overlay (C5): a sliding-window
// ARQ layer that turns an unreliable packet-oriented carrier (notably the
// DNS datagram transport) into an ordered, multiplexed byte stream sitting
// between the shape-wrapped ciphertext and the underlying transport.
package reliable

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

// Config parameterizes the KCP session and the smux multiplexer on top of
// it. Defaults mirror the low-latency, no-congestion-control settings the
// original implementation uses to match its DNS transport's small,
// frequent fragments.
type Config struct {
	DataShards   int // Reed-Solomon FEC data shards; 0 disables FEC
	ParityShards int // Reed-Solomon FEC parity shards; 0 disables FEC
	MTU          int // must not exceed the carrier's per-packet payload budget
	SendWindow   int
	RecvWindow   int
	NoDelay      bool
	Interval     int // ms between internal KCP updates
	Resend       int // fast-resend after this many out-of-order ACKs
	NoCongestion bool
	IdleTimeout  time.Duration
}

// DefaultConfig returns the low-latency settings suited to a DNS datagram
// carrier with small fragments and frequent round trips.
func DefaultConfig() Config {
	return Config{
		DataShards:   0,
		ParityShards: 0,
		MTU:          900,
		SendWindow:   128,
		RecvWindow:   128,
		NoDelay:      true,
		Interval:     10,
		Resend:       2,
		NoCongestion: true,
		IdleTimeout:  90 * time.Second,
	}
}

func (c Config) smuxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.Version = 2
	if c.IdleTimeout > 0 {
		cfg.KeepAliveTimeout = c.IdleTimeout
	}
	return cfg
}

func (c Config) apply(session *kcp.UDPSession) error {
	session.SetStreamMode(true)
	nodelay := 0
	if c.NoDelay {
		nodelay = 1
	}
	nc := 0
	if c.NoCongestion {
		nc = 1
	}
	session.SetNoDelay(nodelay, c.Interval, c.Resend, nc)
	if c.SendWindow > 0 || c.RecvWindow > 0 {
		session.SetWindowSize(c.SendWindow, c.RecvWindow)
	}
	if c.MTU > 0 && !session.SetMtu(c.MTU) {
		return fmt.Errorf("%w: kcp session rejected mtu %d", verrors.ErrTransportIO, c.MTU)
	}
	return nil
}

// Overlay is one reliable, multiplexed session over an unreliable
// net.PacketConn carrier. A single dedicated writer goroutine drains an
// unbuffered request channel into the underlying smux stream so Write is never called
// from more than one goroutine concurrently, regardless of how many
// callers invoke Overlay.Write.
type Overlay struct {
	convID  uint32
	session *kcp.UDPSession
	mux     *smux.Session
	stream  *smux.Stream

	writeCh chan writeRequest
	closeCh chan struct{}
}

type writeRequest struct {
	data   []byte
	result chan writeResult
}

type writeResult struct {
	n   int
	err error
}

// DialClient establishes the client side of a reliable overlay: a KCP
// session to remoteAddr over pconn, with one smux stream opened for the
// caller's use.
func DialClient(pconn net.PacketConn, remoteAddr net.Addr, cfg Config) (*Overlay, error) {
	log := vlog.For("reliable", "DialClient")

	session, err := kcp.NewConn2(remoteAddr, nil, cfg.DataShards, cfg.ParityShards, pconn)
	if err != nil {
		return nil, fmt.Errorf("%w: kcp dial: %v", verrors.ErrTransportIO, err)
	}
	if err := cfg.apply(session); err != nil {
		session.Close()
		return nil, err
	}

	muxSess, err := smux.Client(session, cfg.smuxConfig())
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: smux client: %v", verrors.ErrTransportIO, err)
	}

	stream, err := muxSess.OpenStream()
	if err != nil {
		muxSess.Close()
		session.Close()
		return nil, fmt.Errorf("%w: smux open stream: %v", verrors.ErrTransportIO, err)
	}

	log.WithField("conv", session.GetConv()).Info("reliable: client overlay established")
	return newOverlay(session, muxSess, stream), nil
}

// AcceptServer starts a KCP listener on pconn and returns it as a Listener.
// Each Listener.Accept call accepts exactly one multiplexed stream per
// session and returns a new Overlay for it; call Accept in a loop to serve
// multiple clients, mirroring the dnstt-style session/stream split: one KCP
// session per conversation id, one smux stream carrying the relay's actual
// byte stream.
func AcceptServer(pconn net.PacketConn, cfg Config) (*Listener, error) {
	ln, err := kcp.ServeConn(nil, cfg.DataShards, cfg.ParityShards, pconn)
	if err != nil {
		return nil, fmt.Errorf("%w: kcp listen: %v", verrors.ErrTransportIO, err)
	}
	return &Listener{ln: ln, cfg: cfg}, nil
}

// Listener accepts incoming reliable-overlay sessions.
type Listener struct {
	ln  *kcp.Listener
	cfg Config
}

// Accept blocks until a client establishes a KCP session and opens its
// first smux stream, then returns the resulting Overlay.
func (l *Listener) Accept() (*Overlay, error) {
	log := vlog.For("reliable", "Accept")

	session, err := l.ln.AcceptKCP()
	if err != nil {
		return nil, fmt.Errorf("%w: kcp accept: %v", verrors.ErrTransportIO, err)
	}
	if err := l.cfg.apply(session); err != nil {
		session.Close()
		return nil, err
	}

	muxSess, err := smux.Server(session, l.cfg.smuxConfig())
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("%w: smux server: %v", verrors.ErrTransportIO, err)
	}

	stream, err := muxSess.AcceptStream()
	if err != nil {
		muxSess.Close()
		session.Close()
		return nil, fmt.Errorf("%w: smux accept stream: %v", verrors.ErrTransportIO, err)
	}

	log.WithField("conv", session.GetConv()).Info("reliable: server overlay accepted")
	return newOverlay(session, muxSess, stream), nil
}

// Close stops accepting new sessions.
func (l *Listener) Close() error { return l.ln.Close() }

func newOverlay(session *kcp.UDPSession, mux *smux.Session, stream *smux.Stream) *Overlay {
	o := &Overlay{
		convID:  session.GetConv(),
		session: session,
		mux:     mux,
		stream:  stream,
		writeCh: make(chan writeRequest),
		closeCh: make(chan struct{}),
	}
	go o.writeLoop()
	return o
}

func (o *Overlay) writeLoop() {
	log := vlog.For("reliable", "writeLoop")
	for {
		select {
		case req := <-o.writeCh:
			n, err := o.stream.Write(req.data)
			if err != nil {
				log.WithError(err).WithField("conv", o.convID).Warn("reliable: write failed")
			}
			req.result <- writeResult{n: n, err: err}
		case <-o.closeCh:
			return
		}
	}
}

// Write enqueues data for the dedicated writer goroutine and blocks until
// it has been handed to the underlying stream.
func (o *Overlay) Write(data []byte) (int, error) {
	req := writeRequest{data: data, result: make(chan writeResult, 1)}
	select {
	case o.writeCh <- req:
	case <-o.closeCh:
		return 0, io.ErrClosedPipe
	}
	res := <-req.result
	return res.n, res.err
}

// Read reads reassembled, ordered bytes from the multiplexed stream.
func (o *Overlay) Read(buf []byte) (int, error) {
	return o.stream.Read(buf)
}

// ConvID returns the KCP conversation id identifying this session.
func (o *Overlay) ConvID() uint32 { return o.convID }

// Close tears down the stream, the smux session, and the KCP session, in
// that order, and stops the writer goroutine.
func (o *Overlay) Close() error {
	close(o.closeCh)
	streamErr := o.stream.Close()
	muxErr := o.mux.Close()
	sessionErr := o.session.Close()
	if streamErr != nil {
		return streamErr
	}
	if muxErr != nil {
		return muxErr
	}
	return sessionErr
}

package dnstransport

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

// Config parameterizes the DNS datagram transport's cover domains,
// fragmentation ceilings, and session idle sweep, supplementing
// original_source/src/dns_udp_tunnel.rs's hard-coded constants with
// operator-tunable values.
type Config struct {
	CoverDomains       []string
	MaxQueryPayload    int // bytes per query fragment, including the 6-byte fragment header
	MaxResponsePayload int // bytes per response fragment, including the 6-byte fragment header
	IdleTimeout        time.Duration
	SweepPeriod        time.Duration
}

// DefaultConfig mirrors the original implementation's constants: ~100
// bytes per query fragment, ~180 bytes per response fragment, 60s idle
// ceiling swept every 30s.
func DefaultConfig() Config {
	return Config{
		CoverDomains:       []string{"google.com", "apple.com", "challenges.cloudflare.com"},
		MaxQueryPayload:    100,
		MaxResponsePayload: 180,
		IdleTimeout:        60 * time.Second,
		SweepPeriod:        30 * time.Second,
	}
}

func fragmentPayload(sessionID uint16, payload []byte, maxFragmentSize int) [][]byte {
	budget := maxFragmentSize - fragmentHeaderSize
	if budget <= 0 {
		budget = 1
	}
	if len(payload) == 0 {
		h := FragmentHeader{SessionID: sessionID, Seq: 0, Total: 1}
		return [][]byte{append(h.Encode(), payload...)}
	}

	total := (len(payload) + budget - 1) / budget
	fragments := make([][]byte, 0, total)
	for seq := 0; seq*budget < len(payload); seq++ {
		start := seq * budget
		end := start + budget
		if end > len(payload) {
			end = len(payload)
		}
		h := FragmentHeader{SessionID: sessionID, Seq: uint16(seq), Total: uint16(total)}
		fragments = append(fragments, append(h.Encode(), payload[start:end]...))
	}
	return fragments
}

// sessionAddr identifies a DNS tunnel session as a net.Addr, so the
// session id this transport already multiplexes on doubles as the
// "address" a generic net.PacketConn consumer (the reliable overlay's KCP
// session demux, in particular) uses to tell peers apart.
type sessionAddr uint16

func (a sessionAddr) Network() string { return "dns-session" }
func (a sessionAddr) String() string  { return fmt.Sprintf("dns-session:%d", uint16(a)) }

// Client is the client side of the DNS datagram transport: it implements
// net.PacketConn over an underlying UDP socket, fragmenting writes into
// DNS queries and reassembling TXT responses into reads.
type Client struct {
	conn       net.PacketConn
	serverAddr net.Addr
	sessionID  uint16
	cfg        Config

	nextTxID uint32

	mu      sync.Mutex
	inbound *reassembler
}

// DialClient opens a UDP socket and wraps it as the client side of a DNS
// tunnel session addressed at serverAddr, with a freshly random session id.
func DialClient(serverAddr string, cfg Config) (*Client, error) {
	conn, err := net.ListenPacket("udp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("%w: dnstransport dial: %v", verrors.ErrTransportIO, err)
	}
	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: resolve %s: %v", verrors.ErrTransportIO, serverAddr, err)
	}

	var sidBuf [2]byte
	if _, err := rand.Read(sidBuf[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: session id random: %v", verrors.ErrTransportIO, err)
	}

	return &Client{
		conn:       conn,
		serverAddr: addr,
		sessionID:  binary.BigEndian.Uint16(sidBuf[:]),
		cfg:        cfg,
		inbound:    newReassembler(),
	}, nil
}

// ReadFrom blocks until a fully reassembled response payload is available,
// satisfying net.PacketConn.
func (c *Client) ReadFrom(p []byte) (int, net.Addr, error) {
	buf := make([]byte, maxUDPPacket)
	for {
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			return 0, nil, err
		}

		payload, err := parseResponse(buf[:n])
		if err != nil {
			vlog.For("dnstransport", "Client.ReadFrom").WithError(err).Debug("dnstransport: dropping unparseable response")
			continue
		}
		header, fragment, err := decodeFragmentHeader(payload)
		if err != nil {
			continue
		}
		if header.SessionID != c.sessionID {
			continue
		}

		c.mu.Lock()
		reassembled, done := c.inbound.add(header, fragment)
		c.mu.Unlock()
		if !done {
			continue
		}

		n = copy(p, reassembled)
		return n, c.serverAddr, nil
	}
}

// WriteTo fragments p into DNS queries against the transport's
// MaxQueryPayload ceiling and sends each as a separate UDP datagram to the
// server. addr is ignored: a Client is bound to one serverAddr for its
// lifetime.
func (c *Client) WriteTo(p []byte, _ net.Addr) (int, error) {
	fragments := fragmentPayload(c.sessionID, p, c.cfg.MaxQueryPayload)
	txID := uint16(atomic.AddUint32(&c.nextTxID, 1))

	for _, frag := range fragments {
		wire, err := buildQuery(frag, txID, c.cfg.CoverDomains)
		if err != nil {
			return 0, err
		}
		if _, err := c.conn.WriteTo(wire, c.serverAddr); err != nil {
			return 0, fmt.Errorf("%w: send dns query: %v", verrors.ErrTransportIO, err)
		}
	}
	return len(p), nil
}

func (c *Client) Close() error                       { return c.conn.Close() }
func (c *Client) LocalAddr() net.Addr                 { return c.conn.LocalAddr() }
func (c *Client) SetDeadline(t time.Time) error       { return c.conn.SetDeadline(t) }
func (c *Client) SetReadDeadline(t time.Time) error   { return c.conn.SetReadDeadline(t) }
func (c *Client) SetWriteDeadline(t time.Time) error  { return c.conn.SetWriteDeadline(t) }

// Server is the server side of the DNS datagram transport: a single UDP
// listener multiplexing many sessions, surfaced as a net.PacketConn whose
// "addresses" are sessionAddr values rather than real UDP endpoints, so a
// generic consumer (the reliable overlay's KCP listener) can demultiplex
// sessions without knowing about DNS at all.
type Server struct {
	conn  net.PacketConn
	cfg   Config
	table *SessionTable
}

// ListenServer binds a UDP socket and starts the session table's idle
// sweep.
func ListenServer(listenAddr string, cfg Config) (*Server, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dnstransport listen: %v", verrors.ErrTransportIO, err)
	}
	return &Server{
		conn:  conn,
		cfg:   cfg,
		table: NewSessionTable(cfg.IdleTimeout, cfg.SweepPeriod),
	}, nil
}

// ReadFrom blocks until a fully reassembled query payload is available, and
// returns a sessionAddr identifying which session it belongs to.
func (s *Server) ReadFrom(p []byte) (int, net.Addr, error) {
	buf := make([]byte, maxUDPPacket)
	for {
		n, clientAddr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return 0, nil, err
		}

		txID, question, payload, err := parseQuery(buf[:n], s.cfg.CoverDomains)
		if err != nil {
			vlog.For("dnstransport", "Server.ReadFrom").WithError(err).Debug("dnstransport: dropping unparseable query")
			continue
		}
		header, fragment, err := decodeFragmentHeader(payload)
		if err != nil {
			continue
		}

		sess := s.table.touch(header.SessionID, clientAddr, txID, question)
		reassembled, done := sess.inbound.add(header, fragment)
		if !done {
			continue
		}

		n = copy(p, reassembled)
		return n, sessionAddr(header.SessionID), nil
	}
}

// WriteTo fragments p against MaxResponsePayload and sends each fragment as
// a separate DNS response to the UDP address on file for the session
// addr identifies. addr must be a sessionAddr this Server has already seen
// via ReadFrom.
func (s *Server) WriteTo(p []byte, addr net.Addr) (int, error) {
	sid, ok := addr.(sessionAddr)
	if !ok {
		return 0, fmt.Errorf("%w: dnstransport WriteTo requires a sessionAddr, got %T", verrors.ErrFrameInvalid, addr)
	}

	snap, ok := s.table.snapshot(uint16(sid))
	if !ok {
		return 0, fmt.Errorf("%w: unknown dns tunnel session %d", verrors.ErrSessionExpired, uint16(sid))
	}

	fragments := fragmentPayload(uint16(sid), p, s.cfg.MaxResponsePayload)
	for _, frag := range fragments {
		wire, err := buildResponse(snap.lastQuestion, frag, snap.lastTxID)
		if err != nil {
			return 0, err
		}
		if _, err := s.conn.WriteTo(wire, snap.addr); err != nil {
			return 0, fmt.Errorf("%w: send dns response: %v", verrors.ErrTransportIO, err)
		}
	}
	return len(p), nil
}

func (s *Server) Close() error {
	s.table.Close()
	return s.conn.Close()
}
func (s *Server) LocalAddr() net.Addr                { return s.conn.LocalAddr() }
func (s *Server) SetDeadline(t time.Time) error      { return s.conn.SetDeadline(t) }
func (s *Server) SetReadDeadline(t time.Time) error  { return s.conn.SetReadDeadline(t) }
func (s *Server) SetWriteDeadline(t time.Time) error { return s.conn.SetWriteDeadline(t) }

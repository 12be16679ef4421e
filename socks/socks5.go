package socks

import (
	"fmt"
	"io"
	"net"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

const socks5Version = 0x05

const (
	authNoAuth       = 0x00
	authNoAcceptable = 0xFF
)

// Command is a SOCKS5 request command (RFC 1928 §4).
type Command byte

const (
	CommandConnect      Command = 0x01
	CommandBind         Command = 0x02
	CommandUDPAssociate Command = 0x03
)

// ReplyCode is a SOCKS5 reply field value (RFC 1928 §6).
type ReplyCode byte

const (
	ReplySucceeded            ReplyCode = 0x00
	ReplyGeneralFailure       ReplyCode = 0x01
	ReplyNotAllowed           ReplyCode = 0x02
	ReplyNetworkUnreachable   ReplyCode = 0x03
	ReplyHostUnreachable      ReplyCode = 0x04
	ReplyConnectionRefused    ReplyCode = 0x05
	ReplyTTLExpired           ReplyCode = 0x06
	ReplyCommandNotSupported  ReplyCode = 0x07
	ReplyAddrTypeNotSupported ReplyCode = 0x08
)

var zeroBindAddr = Address{Type: AddrIPv4, IP: net.IPv4zero}

// Session is one accepted, handshake-complete SOCKS5 request awaiting the
// ingress's decision (dial the target, then Reply). It deliberately stops
// short of dialing the target itself, matching the original
// socks5_handshake/send_reply split: the relay core owns connecting
// upstream and choosing the final reply code.
type Session struct {
	Conn    net.Conn
	Command Command
	Target  Address
}

// Reply sends the SOCKS5 reply for this session. bindAddr should be the
// relay's actual local endpoint on success, or the zero address on
// failure.
func (s *Session) Reply(code ReplyCode, bindAddr Address) error {
	return sendReply(s.Conn, code, bindAddr)
}

// ReplySuccess is a convenience wrapper that derives bindAddr from the
// dialed connection to the target.
func (s *Session) ReplySuccess(targetConn net.Conn) error {
	return s.Reply(ReplySucceeded, addressFromNetAddr(targetConn.LocalAddr()))
}

// ReplyFailure sends a failure reply with the zero bind address.
func (s *Session) ReplyFailure(code ReplyCode) error {
	return s.Reply(code, zeroBindAddr)
}

// Handshake performs the SOCKS5 greeting and request parse on conn (RFC
// 1928 §§3-4). Only the no-auth method is accepted; BIND and unsupported
// address types are rejected with the matching reply code before
// returning an error. conn is not closed by Handshake; the caller owns its
// lifecycle.
func Handshake(conn net.Conn) (*Session, error) {
	log := vlog.For("socks", "Handshake")

	var greeting [2]byte
	if _, err := io.ReadFull(conn, greeting[:]); err != nil {
		return nil, fmt.Errorf("%w: read greeting: %v", verrors.ErrTransportIO, err)
	}
	if greeting[0] != socks5Version {
		return nil, fmt.Errorf("%w: unsupported socks version %#x", verrors.ErrFrameInvalid, greeting[0])
	}

	methods := make([]byte, greeting[1])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return nil, fmt.Errorf("%w: read auth methods: %v", verrors.ErrTransportIO, err)
	}

	accepted := false
	for _, m := range methods {
		if m == authNoAuth {
			accepted = true
			break
		}
	}
	if !accepted {
		conn.Write([]byte{socks5Version, authNoAcceptable})
		return nil, fmt.Errorf("%w: no acceptable socks5 auth method offered", verrors.ErrNotSupported)
	}
	if _, err := conn.Write([]byte{socks5Version, authNoAuth}); err != nil {
		return nil, fmt.Errorf("%w: write auth choice: %v", verrors.ErrTransportIO, err)
	}

	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, fmt.Errorf("%w: read request header: %v", verrors.ErrTransportIO, err)
	}
	if header[0] != socks5Version {
		return nil, fmt.Errorf("%w: invalid socks version in request", verrors.ErrFrameInvalid)
	}

	cmd := Command(header[1])
	if cmd == CommandBind {
		sendReply(conn, ReplyCommandNotSupported, zeroBindAddr)
		return nil, fmt.Errorf("%w: socks5 BIND command", verrors.ErrNotSupported)
	}
	if cmd != CommandConnect && cmd != CommandUDPAssociate {
		sendReply(conn, ReplyCommandNotSupported, zeroBindAddr)
		return nil, fmt.Errorf("%w: unrecognized socks5 command %#x", verrors.ErrNotSupported, header[1])
	}

	target, err := readAddress(conn)
	if err != nil {
		sendReply(conn, ReplyAddrTypeNotSupported, zeroBindAddr)
		return nil, err
	}

	log.WithField("command", cmd).WithField("target", target.HostPort()).Debug("socks5: handshake complete")
	return &Session{Conn: conn, Command: cmd, Target: target}, nil
}

func sendReply(w io.Writer, code ReplyCode, bindAddr Address) error {
	buf := []byte{socks5Version, byte(code), 0x00}
	buf = append(buf, bindAddr.encode()...)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write reply: %v", verrors.ErrTransportIO, err)
	}
	return nil
}

// Listener accepts raw TCP connections and performs the SOCKS5 handshake
// on each before handing back a ready-to-relay Session.
type Listener struct {
	ln net.Listener
}

// ListenSOCKS5 binds addr and returns a Listener.
func ListenSOCKS5(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: socks5 listen: %v", verrors.ErrTransportIO, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next connection, performs the SOCKS5 handshake on
// it, and returns the resulting Session. A connection that fails its
// handshake is closed and does not abort the listener; Accept retries on
// the next incoming connection.
func (l *Listener) Accept() (*Session, error) {
	log := vlog.For("socks", "Listener.Accept")
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		sess, err := Handshake(conn)
		if err != nil {
			log.WithError(err).Debug("socks5: handshake failed, dropping connection")
			conn.Close()
			continue
		}
		return sess, nil
	}
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close shuts down the listener.
func (l *Listener) Close() error { return l.ln.Close() }

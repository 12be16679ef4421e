package socks

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/textproto"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// HTTPConnectSession is an accepted HTTP CONNECT request awaiting the
// ingress's decision to dial the target and confirm or refuse the tunnel,
// mirroring Session's handshake/reply split for the SOCKS5 path.
type HTTPConnectSession struct {
	Conn   net.Conn
	Target Address
}

// HandshakeHTTPConnect reads an HTTP CONNECT request line and headers off
// conn (up to and including the terminating blank line) and returns the
// parsed target. Only the CONNECT method is accepted. conn is left
// positioned immediately after the request so the caller can relay the raw
// byte stream once it replies.
func HandshakeHTTPConnect(conn net.Conn) (*HTTPConnectSession, error) {
	log := vlog.For("socks", "HandshakeHTTPConnect")

	reader := bufio.NewReader(conn)
	tp := textproto.NewReader(reader)

	requestLine, err := tp.ReadLine()
	if err != nil {
		return nil, fmt.Errorf("%w: read request line: %v", verrors.ErrTransportIO, err)
	}

	method, target, _, ok := parseRequestLine(requestLine)
	if !ok {
		return nil, fmt.Errorf("%w: malformed http request line %q", verrors.ErrFrameInvalid, requestLine)
	}
	if method != http.MethodConnect {
		return nil, fmt.Errorf("%w: unsupported http ingress method %q", verrors.ErrNotSupported, method)
	}

	if _, err := tp.ReadMIMEHeader(); err != nil {
		return nil, fmt.Errorf("%w: read http headers: %v", verrors.ErrTransportIO, err)
	}

	addr, err := addressFromHostPort(target)
	if err != nil {
		return nil, err
	}

	log.WithField("target", addr.HostPort()).Debug("http connect: handshake complete")
	return &HTTPConnectSession{Conn: conn, Target: addr}, nil
}

func parseRequestLine(line string) (method, target, version string, ok bool) {
	var n int
	if n = indexSpace(line); n < 0 {
		return "", "", "", false
	}
	method = line[:n]
	rest := line[n+1:]
	if n = indexSpace(rest); n < 0 {
		return "", "", "", false
	}
	target = rest[:n]
	version = rest[n+1:]
	return method, target, version, true
}

func indexSpace(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return i
		}
	}
	return -1
}

func addressFromHostPort(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid CONNECT target %q: %v", verrors.ErrFrameInvalid, hostport, err)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return Address{}, fmt.Errorf("%w: invalid CONNECT port %q", verrors.ErrFrameInvalid, portStr)
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			return Address{Type: AddrIPv4, IP: ip4, Port: port}, nil
		}
		return Address{Type: AddrIPv6, IP: ip, Port: port}, nil
	}
	return Address{Type: AddrDomain, Domain: host, Port: port}, nil
}

func parsePort(s string) (uint16, error) {
	var v uint16
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a port")
		}
		v = v*10 + uint16(c-'0')
	}
	if s == "" {
		return 0, fmt.Errorf("empty port")
	}
	return v, nil
}

// Accept sends the "200 Connection Established" reply, signaling the
// relay core should begin bidirectional copying on Conn.
func (s *HTTPConnectSession) Accept() error {
	if _, err := s.Conn.Write([]byte(connectEstablished)); err != nil {
		return fmt.Errorf("%w: write connect established: %v", verrors.ErrTransportIO, err)
	}
	return nil
}

// Refuse sends an HTTP error status and closes out the tunnel attempt.
func (s *HTTPConnectSession) Refuse(status string) error {
	response := fmt.Sprintf("HTTP/1.1 %s\r\n\r\n", status)
	if _, err := s.Conn.Write([]byte(response)); err != nil {
		return fmt.Errorf("%w: write http refusal: %v", verrors.ErrTransportIO, err)
	}
	return nil
}

// HTTPConnectListener accepts raw TCP connections and performs the HTTP
// CONNECT handshake on each before handing back a ready-to-relay session.
type HTTPConnectListener struct {
	ln net.Listener
}

// ListenHTTPConnect binds addr and returns an HTTPConnectListener.
func ListenHTTPConnect(addr string) (*HTTPConnectListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: http connect listen: %v", verrors.ErrTransportIO, err)
	}
	return &HTTPConnectListener{ln: ln}, nil
}

// Accept blocks for the next connection and performs the HTTP CONNECT
// handshake on it. A connection that fails its handshake is closed and
// does not abort the listener.
func (l *HTTPConnectListener) Accept() (*HTTPConnectSession, error) {
	log := vlog.For("socks", "HTTPConnectListener.Accept")
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return nil, err
		}
		sess, err := HandshakeHTTPConnect(conn)
		if err != nil {
			log.WithError(err).Debug("http connect: handshake failed, dropping connection")
			conn.Close()
			continue
		}
		return sess, nil
	}
}

// Addr returns the listener's bound address.
func (l *HTTPConnectListener) Addr() net.Addr { return l.ln.Addr() }

// Close shuts down the listener.
func (l *HTTPConnectListener) Close() error { return l.ln.Close() }

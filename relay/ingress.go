package relay

import (
	"errors"
	"net"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/socks"
)

// Ingress is the client-side accepted front end a Core relays for: a
// SOCKS5 CONNECT/UDP-ASSOCIATE session or an HTTP CONNECT tunnel, unified
// behind one interface so Core.Run doesn't need to know which ingress
// produced it. Mirrors the handshake/reply split both socks.Session and
// socks.HTTPConnectSession already implement individually.
type Ingress interface {
	// Conn is the accepted client-facing connection to relay plaintext
	// bytes over once Accept has been called.
	Conn() net.Conn
	// Target is the destination the client asked to reach.
	Target() socks.Address
	// Accept confirms the tunnel to the client, reporting local as the
	// relay's own endpoint on the wire side where the protocol's reply
	// carries one (SOCKS5's BND.ADDR). local may be nil.
	Accept(local net.Conn) error
	// Refuse reports failure to the client, translating err into the
	// ingress protocol's own failure representation (a SOCKS5 reply code,
	// an HTTP status line).
	Refuse(err error) error
}

// SOCKSIngress adapts an accepted socks.Session to Ingress.
type SOCKSIngress struct{ Session *socks.Session }

func (s SOCKSIngress) Conn() net.Conn        { return s.Session.Conn }
func (s SOCKSIngress) Target() socks.Address { return s.Session.Target }

func (s SOCKSIngress) Accept(local net.Conn) error {
	if local != nil {
		return s.Session.ReplySuccess(local)
	}
	return s.Session.Reply(socks.ReplySucceeded, socks.Address{Type: socks.AddrIPv4, IP: net.IPv4zero})
}

func (s SOCKSIngress) Refuse(err error) error {
	return s.Session.ReplyFailure(socksReplyCodeFor(err))
}

// HTTPConnectIngress adapts an accepted socks.HTTPConnectSession to Ingress.
type HTTPConnectIngress struct{ Session *socks.HTTPConnectSession }

func (h HTTPConnectIngress) Conn() net.Conn        { return h.Session.Conn }
func (h HTTPConnectIngress) Target() socks.Address { return h.Session.Target }
func (h HTTPConnectIngress) Accept(net.Conn) error { return h.Session.Accept() }

func (h HTTPConnectIngress) Refuse(err error) error {
	return h.Session.Refuse(httpStatusFor(err))
}

// socksReplyCodeFor maps an internal error kind to the RFC 1928 reply code
// the SOCKS5 client sees, per the error-kind/recovery table.
func socksReplyCodeFor(err error) socks.ReplyCode {
	switch {
	case errors.Is(err, verrors.ErrNotSupported):
		return socks.ReplyCommandNotSupported
	case errors.Is(err, verrors.ErrTransportIO):
		return socks.ReplyHostUnreachable
	case errors.Is(err, verrors.ErrHandshakeFailure), errors.Is(err, verrors.ErrAeadFailure):
		return socks.ReplyGeneralFailure
	case errors.Is(err, verrors.ErrRateLimitExceeded):
		return socks.ReplyGeneralFailure
	default:
		return socks.ReplyGeneralFailure
	}
}

// httpStatusFor maps an internal error kind to the HTTP CONNECT failure
// status line; the base spec calls out 502 Bad Gateway for peer-connect
// failures specifically.
func httpStatusFor(err error) string {
	switch {
	case errors.Is(err, verrors.ErrTransportIO):
		return "502 Bad Gateway"
	case errors.Is(err, verrors.ErrHandshakeFailure):
		return "502 Bad Gateway"
	default:
		return "500 Internal Server Error"
	}
}

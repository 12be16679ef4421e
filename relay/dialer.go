package relay

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/verrors"
)

// Dialer establishes the Peer-Connecting half of a relay session: the
// connection to the real destination server.forward_addr names.
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

// directDialer is a plain net.Dialer with a connect timeout, used when
// server.forward_proto is empty.
type directDialer struct {
	timeout time.Duration
}

func (d directDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, addr, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", verrors.ErrTransportIO, addr, err)
	}
	return conn, nil
}

// NewDialer builds the Dialer server.forward_proto selects: a direct
// net.Dialer, or a proxy.Dialer chaining through an upstream SOCKS5 hop,
// following the teacher's transport/proxy.go ProxyTransport construction
// exactly (same proxy.SOCKS5(network, addr, auth, proxy.Direct) call), kept
// in its original outbound direction.
func NewDialer(cfg config.ServerConfig, connectTimeout time.Duration) (Dialer, error) {
	direct := directDialer{timeout: connectTimeout}

	switch cfg.ForwardProto {
	case "", "direct":
		return direct, nil
	case "socks5":
		dialer, err := proxy.SOCKS5("tcp", cfg.ForwardAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("%w: build socks5 upstream dialer: %v", verrors.ErrConfigInvalid, err)
		}
		return socks5Dialer{dialer: dialer}, nil
	default:
		return nil, fmt.Errorf("%w: unrecognized server.forward_proto %q", verrors.ErrConfigInvalid, cfg.ForwardProto)
	}
}

// socks5Dialer adapts a proxy.Dialer (synchronous, no network/addr reuse
// guarantee) to this package's Dialer interface.
type socks5Dialer struct {
	dialer proxy.Dialer
}

func (d socks5Dialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial via upstream socks5: %v", verrors.ErrTransportIO, err)
	}
	return conn, nil
}

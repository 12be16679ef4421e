package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/opd-ai/veil/dnstransport"
	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/reliable"
)

// DialDNSWire builds a WireDialFunc for use when dns.enabled is true: it
// tunnels the wire connection through the DNS transport's session/fragment
// framing (C6) and layers the reliable overlay's ordered-stream guarantee
// (C5) on top, since dnstransport.Client/Server are datagram transports
// (net.PacketConn) just like the UDP socket reliable.DialClient otherwise
// expects directly.
func DialDNSWire(serverAddr string, dnsCfg dnstransport.Config, overlayCfg reliable.Config) WireDialFunc {
	return func(ctx context.Context) (wireConn, error) {
		client, err := dnstransport.DialClient(serverAddr, dnsCfg)
		if err != nil {
			return nil, err
		}
		remote, err := net.ResolveUDPAddr("udp", serverAddr)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: resolve dns transport server %s: %v", verrors.ErrTransportIO, serverAddr, err)
		}
		overlay, err := reliable.DialClient(client, remote, overlayCfg)
		if err != nil {
			client.Close()
			return nil, err
		}
		return overlay, nil
	}
}

// DNSWireListener accepts server-side wire connections arriving over the
// DNS transport, handing back reliable overlay streams ready for
// NewServerCore just as a net.Listener hands back net.Conns for direct TCP.
type DNSWireListener struct {
	server *dnstransport.Server
	ln     *reliable.Listener
}

// ListenDNSWire binds listenAddr as a DNS transport server and layers the
// reliable overlay's listener on top.
func ListenDNSWire(listenAddr string, dnsCfg dnstransport.Config, overlayCfg reliable.Config) (*DNSWireListener, error) {
	server, err := dnstransport.ListenServer(listenAddr, dnsCfg)
	if err != nil {
		return nil, err
	}
	ln, err := reliable.AcceptServer(server, overlayCfg)
	if err != nil {
		server.Close()
		return nil, err
	}
	return &DNSWireListener{server: server, ln: ln}, nil
}

// Accept blocks for the next overlay stream.
func (l *DNSWireListener) Accept() (wireConn, error) {
	return l.ln.Accept()
}

// Close shuts down both the overlay listener and the underlying DNS
// transport server.
func (l *DNSWireListener) Close() error {
	l.ln.Close()
	return l.server.Close()
}

package socks

import (
	"bytes"
	"fmt"
	"net"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

// udpHeaderMinLen is the shortest legal SOCKS5 UDP header: 2 RSV + 1 FRAG +
// 1 ATYP + 4 IPv4 + 2 port.
const udpHeaderMinLen = 10

// decodeUDPHeader parses the RFC 1928 §7 UDP request header prefixed on
// every client-to-relay datagram:
//
//	+----+------+------+----------+----------+----------+
//	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
//	+----+------+------+----------+----------+----------+
//	| 2  |  1   |  1   | Variable |    2     | Variable |
//	+----+------+------+----------+----------+----------+
//
// Fragmentation (FRAG != 0) is rejected, matching original_source's
// socks_udp.rs.
func decodeUDPHeader(packet []byte) (Address, []byte, error) {
	if len(packet) < udpHeaderMinLen {
		return Address{}, nil, fmt.Errorf("%w: udp socks5 packet too short", verrors.ErrFrameInvalid)
	}
	if packet[0] != 0 || packet[1] != 0 {
		return Address{}, nil, fmt.Errorf("%w: udp socks5 RSV must be zero", verrors.ErrFrameInvalid)
	}
	frag := packet[2]
	if frag != 0 {
		return Address{}, nil, fmt.Errorf("%w: udp socks5 fragmentation", verrors.ErrNotSupported)
	}

	r := bytes.NewReader(packet[3:])
	addr, err := readAddress(r)
	if err != nil {
		return Address{}, nil, err
	}
	consumed := len(packet[3:]) - r.Len()
	return addr, packet[3+consumed:], nil
}

// encodeUDPHeader serializes the SOCKS5 UDP header for a datagram the
// relay is delivering back to the client, tagged with the address it
// actually came from.
func encodeUDPHeader(from Address) []byte {
	header := []byte{0x00, 0x00, 0x00} // RSV, RSV, FRAG=0
	return append(header, from.encode()...)
}

// UDPAssociate is the per-session UDP companion socket RFC 1928 §7
// requires for the UDP ASSOCIATE command: one bound socket exchanging
// SOCKS5-framed datagrams with exactly the client address observed on the
// TCP control connection.
type UDPAssociate struct {
	conn       net.PacketConn
	clientAddr net.Addr
}

// NewUDPAssociate binds bindAddr and restricts inbound datagrams to the
// client that established the association over TCP, per the original
// UdpSocksServer's source-address check.
func NewUDPAssociate(bindAddr string, clientAddr net.Addr) (*UDPAssociate, error) {
	conn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: udp associate bind: %v", verrors.ErrTransportIO, err)
	}
	return &UDPAssociate{conn: conn, clientAddr: clientAddr}, nil
}

// LocalAddr returns the bound UDP socket's address, used to fill the
// BND.ADDR/BND.PORT of the UDP ASSOCIATE success reply.
func (u *UDPAssociate) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// RecvFromClient reads one client datagram, strips its SOCKS5 UDP header,
// and returns the payload plus the destination the client asked to reach.
// Datagrams from any source other than the associated client are silently
// dropped by retrying the read.
func (u *UDPAssociate) RecvFromClient() ([]byte, Address, error) {
	log := vlog.For("socks", "UDPAssociate.RecvFromClient")
	buf := make([]byte, 65535)
	for {
		n, src, err := u.conn.ReadFrom(buf)
		if err != nil {
			return nil, Address{}, err
		}
		if src.String() != u.clientAddr.String() {
			log.WithField("source", src.String()).Warn("socks5: udp datagram from unexpected source, dropping")
			continue
		}

		dest, payload, err := decodeUDPHeader(buf[:n])
		if err != nil {
			log.WithError(err).Debug("socks5: dropping malformed udp datagram")
			continue
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return out, dest, nil
	}
}

// SendToClient frames data with a SOCKS5 UDP header tagged with from and
// sends it to the associated client.
func (u *UDPAssociate) SendToClient(data []byte, from Address) error {
	packet := append(encodeUDPHeader(from), data...)
	if _, err := u.conn.WriteTo(packet, u.clientAddr); err != nil {
		return fmt.Errorf("%w: udp associate send: %v", verrors.ErrTransportIO, err)
	}
	return nil
}

// Close releases the UDP socket.
func (u *UDPAssociate) Close() error { return u.conn.Close() }

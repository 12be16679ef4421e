// Package socks implements the Ingress (C8): a SOCKS5 (RFC 1928) subset
// plus an HTTP CONNECT ingress, grounded on
// original_source/src/socks5.rs and socks_udp.rs for the exact wire
// semantics.
package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/opd-ai/veil/internal/verrors"
)

// AddrType is the RFC 1928 ATYP field value.
type AddrType byte

const (
	AddrIPv4   AddrType = 0x01
	AddrDomain AddrType = 0x03
	AddrIPv6   AddrType = 0x04
)

// Address is a SOCKS5 destination or bind address: either an IP or a
// domain name, plus a port. Generalizes the address-type switch idiom
// transport/address_parser.go uses for its own network types to the three
// ATYP values RFC 1928 defines.
type Address struct {
	Type   AddrType
	IP     net.IP
	Domain string
	Port   uint16
}

// HostPort renders the address as a "host:port" string suitable for
// net.Dial.
func (a Address) HostPort() string {
	host := a.Domain
	if a.Type != AddrDomain {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(int(a.Port)))
}

func (a Address) String() string { return a.HostPort() }

// readAddress parses an ATYP byte plus address plus 2-byte port from r, the
// shape shared by the SOCKS5 request, the SOCKS5 reply, and the UDP
// ASSOCIATE per-datagram header.
func readAddress(r io.Reader) (Address, error) {
	var atypBuf [1]byte
	if _, err := io.ReadFull(r, atypBuf[:]); err != nil {
		return Address{}, fmt.Errorf("%w: read atyp: %v", verrors.ErrTransportIO, err)
	}

	addr := Address{Type: AddrType(atypBuf[0])}
	switch addr.Type {
	case AddrIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return Address{}, fmt.Errorf("%w: read ipv4: %v", verrors.ErrTransportIO, err)
		}
		addr.IP = net.IP(ip[:])
	case AddrIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return Address{}, fmt.Errorf("%w: read ipv6: %v", verrors.ErrTransportIO, err)
		}
		addr.IP = net.IP(ip[:])
	case AddrDomain:
		var lenBuf [1]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return Address{}, fmt.Errorf("%w: read domain length: %v", verrors.ErrTransportIO, err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(r, domain); err != nil {
			return Address{}, fmt.Errorf("%w: read domain: %v", verrors.ErrTransportIO, err)
		}
		addr.Domain = string(domain)
	default:
		return Address{}, fmt.Errorf("%w: unsupported address type %#x", verrors.ErrNotSupported, atypBuf[0])
	}

	var portBuf [2]byte
	if _, err := io.ReadFull(r, portBuf[:]); err != nil {
		return Address{}, fmt.Errorf("%w: read port: %v", verrors.ErrTransportIO, err)
	}
	addr.Port = binary.BigEndian.Uint16(portBuf[:])

	return addr, nil
}

// encode renders the address back to its ATYP+addr+port wire form.
func (a Address) encode() []byte {
	var out []byte
	switch a.Type {
	case AddrIPv6:
		out = append(out, byte(AddrIPv6))
		out = append(out, a.IP.To16()...)
	case AddrDomain:
		out = append(out, byte(AddrDomain), byte(len(a.Domain)))
		out = append(out, a.Domain...)
	default:
		out = append(out, byte(AddrIPv4))
		ip4 := a.IP.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		out = append(out, ip4...)
	}
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], a.Port)
	return append(out, portBuf[:]...)
}

// addressFromNetAddr builds an Address from a dialed net.Addr (a
// *net.TCPAddr/*net.UDPAddr), used to fill in the BND.ADDR of a success
// reply with the connection's actual local endpoint.
func addressFromNetAddr(addr net.Addr) Address {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Address{Type: AddrIPv4, IP: net.IPv4zero}
	}
	port, _ := strconv.Atoi(portStr)
	ip := net.ParseIP(host)
	if ip == nil {
		return Address{Type: AddrIPv4, IP: net.IPv4zero, Port: uint16(port)}
	}
	if ip4 := ip.To4(); ip4 != nil {
		return Address{Type: AddrIPv4, IP: ip4, Port: uint16(port)}
	}
	return Address{Type: AddrIPv6, IP: ip, Port: uint16(port)}
}

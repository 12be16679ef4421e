package dnstransport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/internal/vlog"
)

// TCPHandler answers one reassembled DNS/TCP tunnel request with the bytes
// to send back, fragmented and framed the same way the request arrived.
// Unlike the UDP side's net.PacketConn surface (built for the reliable
// overlay's asynchronous KCP stream), DNS/TCP is a synchronous
// request/response transport per RFC 1035, so the TCP listener models that
// directly instead of forcing it through ReadFrom/WriteTo.
type TCPHandler func(sessionID uint16, payload []byte) ([]byte, error)

// ServeTCP optionally accepts DNS/TCP queries on the same logical service,
// using the standard RFC 1035 two-byte big-endian length prefix, so a
// client can fall back to TCP when UDP is blocked. Reassembled requests
// are handed to handler; its response is fragmented under
// MaxResponsePayload and written back over the same connection.
func (s *Server) ServeTCP(listenAddr string, handler TCPHandler) (net.Listener, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dnstransport tcp listen: %v", verrors.ErrTransportIO, err)
	}

	go s.acceptTCPLoop(ln, handler)
	return ln, nil
}

func (s *Server) acceptTCPLoop(ln net.Listener, handler TCPHandler) {
	log := vlog.For("dnstransport", "acceptTCPLoop")
	for {
		conn, err := ln.Accept()
		if err != nil {
			log.WithError(err).Debug("dnstransport: tcp listener closed")
			return
		}
		go s.serveTCPConn(conn, handler)
	}
}

func (s *Server) serveTCPConn(conn net.Conn, handler TCPHandler) {
	defer conn.Close()
	log := vlog.For("dnstransport", "serveTCPConn")

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint16(lenBuf[:])

		packet := make([]byte, msgLen)
		if _, err := io.ReadFull(conn, packet); err != nil {
			return
		}

		txID, question, payload, err := parseQuery(packet, s.cfg.CoverDomains)
		if err != nil {
			log.WithError(err).Debug("dnstransport: dropping unparseable tcp query")
			continue
		}
		header, fragment, err := decodeFragmentHeader(payload)
		if err != nil {
			continue
		}

		sess := s.table.touch(header.SessionID, conn.RemoteAddr(), txID, question)
		reassembled, done := sess.inbound.add(header, fragment)
		if !done {
			continue
		}

		response, err := handler(header.SessionID, reassembled)
		if err != nil {
			log.WithError(err).Warn("dnstransport: tcp handler failed")
			return
		}

		fragments := fragmentPayload(header.SessionID, response, s.cfg.MaxResponsePayload)
		for _, frag := range fragments {
			wire, err := buildResponse(question, frag, txID)
			if err != nil {
				log.WithError(err).Warn("dnstransport: tcp response build failed")
				return
			}
			var prefix [2]byte
			binary.BigEndian.PutUint16(prefix[:], uint16(len(wire)))
			if _, err := conn.Write(prefix[:]); err != nil {
				return
			}
			if _, err := conn.Write(wire); err != nil {
				return
			}
		}
	}
}

package relay

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/wrapper"
)

// wireConn is the minimal surface Core needs from the wire-side
// connection: a net.Conn for direct TCP, or a *reliable.Overlay when
// routed over the DNS transport. Both satisfy it without adaptation.
type wireConn interface {
	io.Reader
	io.Writer
	io.Closer
}

// dressedHandshakeConn adapts a wireConn so handshake.Handshake.Run's own
// length-prefixed framing (writeFramed/readFramed, always a 2-byte
// big-endian length then exactly that many message bytes) is transparently
// dressed as the active shape's HANDSHAKE-phase frame, in both directions.
//
// Run never exposes message boundaries directly; it only performs the
// Write/Write and ReadFull/ReadFull pairs writeFramed/readFramed make. This
// type reconstructs those boundaries from that exact, fixed calling
// pattern rather than requiring any change to handshake.Handshake itself.
type dressedHandshakeConn struct {
	wireConn
	wrapper *wrapper.Wrapper

	writeBuf []byte
	readBuf  *bytes.Reader
}

func newDressedHandshakeConn(conn wireConn, w *wrapper.Wrapper) *dressedHandshakeConn {
	return &dressedHandshakeConn{wireConn: conn, wrapper: w}
}

// Write buffers bytes until one full [length][message] unit has
// accumulated, then dresses the message (not the internal length prefix,
// which is redundant once the shape's own frame carries the byte count)
// and writes the dressed frame to the underlying connection.
func (c *dressedHandshakeConn) Write(p []byte) (int, error) {
	c.writeBuf = append(c.writeBuf, p...)
	for len(c.writeBuf) >= 2 {
		n := int(binary.BigEndian.Uint16(c.writeBuf))
		total := 2 + n
		if len(c.writeBuf) < total {
			break
		}
		msg := c.writeBuf[2:total]
		dressed, err := c.wrapper.WrapHandshake(msg)
		if err != nil {
			return 0, fmt.Errorf("%w: dress handshake message: %v", verrors.ErrHandshakeFailure, err)
		}
		if _, err := c.wireConn.Write(dressed); err != nil {
			return 0, err
		}
		c.writeBuf = c.writeBuf[total:]
	}
	return len(p), nil
}

// Read serves handshake.Handshake.Run's readFramed (a 2-byte length read
// followed by a body read) out of one undressed handshake frame read from
// the underlying connection, re-adding the internal length prefix
// readFramed expects.
func (c *dressedHandshakeConn) Read(p []byte) (int, error) {
	if c.readBuf == nil || c.readBuf.Len() == 0 {
		dressed, err := c.wrapper.ReadHandshakeFrame(c.wireConn)
		if err != nil {
			return 0, err
		}
		msg, err := c.wrapper.UnwrapHandshake(dressed)
		if err != nil {
			return 0, fmt.Errorf("%w: undress handshake message: %v", verrors.ErrHandshakeFailure, err)
		}
		hdr := make([]byte, 2, 2+len(msg))
		binary.BigEndian.PutUint16(hdr, uint16(len(msg)))
		c.readBuf = bytes.NewReader(append(hdr, msg...))
	}
	return c.readBuf.Read(p)
}

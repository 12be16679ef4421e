package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/opd-ai/veil/internal/config"
	"github.com/opd-ai/veil/internal/verrors"
	"github.com/opd-ai/veil/shapeshift"
)

const padLengthPrefixSize = 2

// Pacer re-expresses the netflow-evasion packet-size/timing jitter the
// original implementation applies per outgoing record: it pads plaintext
// toward a target Gaussian size before encryption and jitters the delay
// between sends, both drawn from the same shapeshift.Emulator distribution
// app traffic profiles use. Grounded on transport/nat.go's
// time.Sleep-based keepalive pacing, generalized from a fixed interval to
// a jittered one.
type Pacer struct {
	emulator *shapeshift.Emulator
}

// NewPacer builds a Pacer from traffic_shaping config. When cfg.Profile
// names a known built-in application profile, its own asymmetric
// upstream/downstream distributions are used directly instead of the flat
// mean/stddev pair below. Otherwise sizes come from that pair, clamped to
// 64..1500 bytes, so even a zero mean pads short records up to 64 bytes;
// a zero delay disables jitter sleeps.
func NewPacer(cfg config.TrafficShapingConfig, seed int64) *Pacer {
	if cfg.Profile != "" {
		if profile, ok := shapeshift.GetProfile(cfg.Profile); ok {
			return &Pacer{emulator: shapeshift.NewEmulator(profile, seed)}
		}
	}

	delayMS := uint64(cfg.Delay / time.Millisecond)
	packetProfile := shapeshift.PacketProfile{
		SizeMean:    cfg.MeanPacketSize,
		SizeStddev:  cfg.StddevPacketSize,
		DelayMeanMS: delayMS,
	}
	profile := shapeshift.Profile{
		Name:       "traffic-shaping-config",
		Upstream:   packetProfile,
		Downstream: packetProfile,
	}
	return &Pacer{emulator: shapeshift.NewEmulator(profile, seed)}
}

// PadPlaintext pads data with zero bytes toward a Gaussian target size
// before it reaches the AEAD layer, prefixing a 2-byte real-length header
// so UnpadPlaintext can recover exactly data on the peer side. If the
// emulator's target is already smaller than len(data), data is returned
// unpadded (padding never truncates real content).
func (p *Pacer) PadPlaintext(data []byte, upstream bool) ([]byte, error) {
	if len(data)+padLengthPrefixSize > 0xFFFF {
		return nil, fmt.Errorf("%w: plaintext too large to length-prefix for padding", verrors.ErrFrameInvalid)
	}

	target := p.targetSize(upstream)
	total := len(data) + padLengthPrefixSize
	if target > total {
		total = target
	}

	out := make([]byte, padLengthPrefixSize, total)
	binary.BigEndian.PutUint16(out, uint16(len(data)))
	out = append(out, data...)
	if pad := total - len(out); pad > 0 {
		padding := make([]byte, pad)
		out = append(out, padding...)
	}
	return out, nil
}

// UnpadPlaintext reverses PadPlaintext, returning the original data and
// discarding the trailing padding.
func UnpadPlaintext(padded []byte) ([]byte, error) {
	if len(padded) < padLengthPrefixSize {
		return nil, fmt.Errorf("%w: padded plaintext shorter than length prefix", verrors.ErrFrameInvalid)
	}
	n := int(binary.BigEndian.Uint16(padded))
	if padLengthPrefixSize+n > len(padded) {
		return nil, fmt.Errorf("%w: padded plaintext length prefix exceeds buffer", verrors.ErrFrameInvalid)
	}
	return padded[padLengthPrefixSize : padLengthPrefixSize+n], nil
}

func (p *Pacer) targetSize(upstream bool) int {
	if upstream {
		return p.emulator.GenerateUpstreamSize()
	}
	return p.emulator.GenerateDownstreamSize()
}

// Wait sleeps for a jittered inter-send delay drawn from the profile
// before the caller's next write, implementing the per-direction timing
// jitter. It takes no context and cannot be cancelled; Core calls it
// directly before each upstream wire write.
func (p *Pacer) Wait(upstream bool) {
	d := p.emulator.GenerateDelay(upstream)
	if d > 0 {
		time.Sleep(d)
	}
}

// waitReader decorates an io.Reader with per-read pacing delay, used to
// jitter the timing of data entering the relay pipeline from the ingress
// or peer side.
type waitReader struct {
	io.Reader
	pacer    *Pacer
	upstream bool
}

func (w waitReader) Read(p []byte) (int, error) {
	w.pacer.Wait(w.upstream)
	return w.Reader.Read(p)
}

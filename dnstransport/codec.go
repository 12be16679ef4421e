// Package dnstransport implements the DNS Datagram Transport (C6): a
// session-multiplexed, fragmenting carrier that encodes opaque payloads
// into DNS query names and decodes them from TXT-record responses, so a
// resolver watching the wire sees plausible-looking DNS traffic rather
// than a tunnel.
package dnstransport

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"github.com/opd-ai/veil/internal/verrors"
)

// Wire constants from the DNS Datagram Transport's query/response scheme.
const (
	maxLabelLen  = 63  // RFC 1035 label length ceiling
	maxUDPPacket = 512 // conservative UDP DNS response ceiling
	dataMarker   = "v="
)

// decoyTXTRecords are legitimate-looking strings rotated into the first
// answer record so a passive observer sees a plausible TXT response.
// None may start with dataMarker.
var decoyTXTRecords = []string{
	"google-site-verification=abc123xyz",
	"MS=ms12345678",
	"docusign=a1b2c3d4-e5f6-7890-abcd-ef1234567890",
	"facebook-domain-verification=abc123def456",
}

// FragmentHeader is the 6-byte application-layer header carried inside every
// DNS-encoded payload: session id for routing, sequence number and total
// fragment count for reassembly.
type FragmentHeader struct {
	SessionID uint16
	Seq       uint16
	Total     uint16
}

const fragmentHeaderSize = 6

// Encode serializes the header to its 6-byte wire form.
func (h FragmentHeader) Encode() []byte {
	buf := make([]byte, fragmentHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.SessionID)
	binary.BigEndian.PutUint16(buf[2:4], h.Seq)
	binary.BigEndian.PutUint16(buf[4:6], h.Total)
	return buf
}

// decodeFragmentHeader parses the 6-byte header prefix of data.
func decodeFragmentHeader(data []byte) (FragmentHeader, []byte, error) {
	if len(data) < fragmentHeaderSize {
		return FragmentHeader{}, nil, fmt.Errorf("%w: fragment header needs %d bytes, got %d", verrors.ErrFrameInvalid, fragmentHeaderSize, len(data))
	}
	h := FragmentHeader{
		SessionID: binary.BigEndian.Uint16(data[0:2]),
		Seq:       binary.BigEndian.Uint16(data[2:4]),
		Total:     binary.BigEndian.Uint16(data[4:6]),
	}
	return h, data[fragmentHeaderSize:], nil
}

// coverDomainFor picks a rotated base domain, keyed by seed so a given
// fragment consistently maps to the same domain on encode and so a
// decoder can recognize where payload labels end and the domain begins.
func coverDomainFor(domains []string, seed byte) string {
	if len(domains) == 0 {
		return "google.com"
	}
	return domains[int(seed)%len(domains)]
}

// encodeQName builds a DNS presentation-format name string: hex(payload)
// chunked into <=63-byte labels, followed by the rotated cover domain's own
// labels, e.g. "48656c6c6f.google.com." for the payload "Hello".
func encodeQName(payload []byte, domains []string, seed byte) string {
	hexPayload := hex.EncodeToString(payload)

	var labels []string
	for i := 0; i < len(hexPayload); i += maxLabelLen {
		end := i + maxLabelLen
		if end > len(hexPayload) {
			end = len(hexPayload)
		}
		labels = append(labels, hexPayload[i:end])
	}

	domain := coverDomainFor(domains, seed)
	labels = append(labels, strings.Split(domain, ".")...)
	return strings.Join(labels, ".") + "."
}

// decodeQName reverses encodeQName: it walks the name's labels, accumulates
// any that are not part of a known cover domain, and hex-decodes the
// result. domains supplies the set of cover domains in use, so their own
// labels ("google", "com", ...) are recognized as the encoded payload's
// end marker rather than payload data.
func decodeQName(name string, domains []string) ([]byte, error) {
	domainParts := map[string]bool{}
	for _, d := range domains {
		for _, part := range strings.Split(d, ".") {
			domainParts[part] = true
		}
	}

	name = strings.TrimSuffix(name, ".")
	var encoded strings.Builder
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			continue
		}
		if domainParts[strings.ToLower(label)] {
			break
		}
		encoded.WriteString(label)
	}

	decoded, err := hex.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("%w: qname hex decode: %v", verrors.ErrFrameInvalid, err)
	}
	return decoded, nil
}

// buildQuery constructs a wire-format DNS query carrying payload under a
// cover domain rotated by the payload's first byte (the header's session
// id high byte in practice, giving a stable domain per session).
func buildQuery(payload []byte, id uint16, domains []string) ([]byte, error) {
	var seed byte
	if len(payload) > 0 {
		seed = payload[0]
	}
	qname := encodeQName(payload, domains, seed)

	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: qname, Qtype: dns.TypeA, Qclass: dns.ClassINET}}

	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: pack dns query: %v", verrors.ErrFrameInvalid, err)
	}
	return wire, nil
}

// parseQuery extracts the transaction id, echoed question, and decoded
// payload from a wire-format DNS query built by buildQuery.
func parseQuery(packet []byte, domains []string) (id uint16, question dns.Question, payload []byte, err error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return 0, dns.Question{}, nil, fmt.Errorf("%w: unpack dns query: %v", verrors.ErrFrameInvalid, err)
	}
	if len(msg.Question) != 1 {
		return 0, dns.Question{}, nil, fmt.Errorf("%w: expected exactly one question, got %d", verrors.ErrFrameInvalid, len(msg.Question))
	}
	payload, err = decodeQName(msg.Question[0].Name, domains)
	if err != nil {
		return 0, dns.Question{}, nil, err
	}
	return msg.Id, msg.Question[0], payload, nil
}

// buildResponse packs payload into as many TXT answer records as fit under
// maxUDPPacket, preceded by one rotated decoy record, echoing question back
// to the client. It returns the wire bytes actually sent, which may carry
// less than the full payload if it does not entirely fit in 512 bytes:
// callers are expected to have already fragmented payload to fit.
func buildResponse(question dns.Question, payload []byte, id uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.Authoritative = true
	msg.Compress = true
	msg.Question = []dns.Question{question}

	decoy := decoyTXTRecords[int(id)%len(decoyTXTRecords)]
	msg.Answer = append(msg.Answer, newTXT(question.Name, decoy))

	if packed, err := msg.Pack(); err == nil && len(packed) >= maxUDPPacket {
		msg.Answer = msg.Answer[:0]
	} else if err != nil {
		return nil, fmt.Errorf("%w: pack dns response: %v", verrors.ErrFrameInvalid, err)
	}

	hexPayload := hex.EncodeToString(payload)
	offset := 0
	first := true
	for offset < len(hexPayload) {
		marker := ""
		if first {
			marker = dataMarker
		}

		chunkLen, fits := fitTXTChunk(msg, question.Name, marker, len(hexPayload)-offset)
		if !fits {
			break
		}

		txt := marker + hexPayload[offset:offset+chunkLen]
		msg.Answer = append(msg.Answer, newTXT(question.Name, txt))
		offset += chunkLen
		first = false
	}

	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: pack dns response: %v", verrors.ErrFrameInvalid, err)
	}
	return wire, nil
}

// fitTXTChunk determines how many hex characters (after marker) can be
// appended as one more TXT answer without the packed message exceeding
// maxUDPPacket, probing the real packer rather than hand-estimating RR
// overhead so the ceiling is exact.
func fitTXTChunk(msg *dns.Msg, name, marker string, remaining int) (int, bool) {
	candidate := remaining
	if candidate > 255-len(marker) {
		candidate = 255 - len(marker)
	}

	for candidate > 0 {
		trial := append([]dns.RR{}, msg.Answer...)
		trial = append(trial, newTXT(name, marker+strings.Repeat("0", candidate)))

		probe := *msg
		probe.Answer = trial
		if packed, err := probe.Pack(); err == nil && len(packed) <= maxUDPPacket {
			return candidate, true
		}
		candidate--
	}
	return 0, false
}

func newTXT(name, text string) *dns.TXT {
	return &dns.TXT{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 60},
		Txt: []string{text},
	}
}

// parseResponse extracts the session's hex payload from a TXT response,
// filtering decoys and any record that is not part of the marked data
// chain.
func parseResponse(packet []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(packet); err != nil {
		return nil, fmt.Errorf("%w: unpack dns response: %v", verrors.ErrFrameInvalid, err)
	}
	if len(msg.Answer) == 0 {
		return nil, fmt.Errorf("%w: dns response has no answers", verrors.ErrFrameInvalid)
	}

	var encoded strings.Builder
	started := false
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok || len(txt.Txt) == 0 {
			continue
		}
		chunk := txt.Txt[0]

		if strings.HasPrefix(chunk, dataMarker) {
			encoded.WriteString(strings.TrimPrefix(chunk, dataMarker))
			started = true
			continue
		}
		if started && isHexString(chunk) {
			encoded.WriteString(chunk)
		}
	}

	if encoded.Len() == 0 {
		return nil, fmt.Errorf("%w: no data TXT records found", verrors.ErrFrameInvalid)
	}

	decoded, err := hex.DecodeString(encoded.String())
	if err != nil {
		return nil, fmt.Errorf("%w: response hex decode: %v", verrors.ErrFrameInvalid, err)
	}
	return decoded, nil
}

func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

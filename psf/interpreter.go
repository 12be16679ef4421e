package psf

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"

	"github.com/opd-ai/veil/internal/verrors"
)

// Frame is the runtime binding of one Format plus the Semantics entries
// that target it, with the PAYLOAD/LENGTH/MAC field positions cached so
// hot-path wrap/unwrap never has to search, per the design's "no
// reflection or dynamic field lookup" requirement.
type Frame struct {
	Format    Format
	Semantics []SemanticRule

	PayloadFieldIndex int
	LengthFieldIndex  int
	MacFieldIndex     int
}

// CreateFrame selects the Sequence entry whose role and phase match
// (case-insensitively), fetches the referenced Format, and gathers every
// Semantics entry targeting that format.
func (s *Spec) CreateFrame(role, phase string) (*Frame, error) {
	var formatName string
	found := false
	for _, seq := range s.Sequence {
		if strings.EqualFold(seq.Role, role) && strings.EqualFold(seq.Phase, phase) {
			formatName = seq.Format
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no sequence entry for role=%s phase=%s", verrors.ErrProtocolNotFound, role, phase)
	}

	format, ok := s.Formats[formatName]
	if !ok {
		return nil, fmt.Errorf("%w: sequence references undefined format %q", verrors.ErrPsfParse, formatName)
	}

	var rules []SemanticRule
	for _, r := range s.Semantics {
		if r.Format == formatName {
			rules = append(rules, r)
		}
	}

	frame := &Frame{
		Format:            format,
		Semantics:         rules,
		PayloadFieldIndex: -1,
		LengthFieldIndex:  -1,
		MacFieldIndex:     -1,
	}
	for i, f := range format.Fields {
		sem := semanticFor(rules, f.Name)
		if sem == nil {
			continue
		}
		switch sem.Kind {
		case SemanticPayload:
			if frame.PayloadFieldIndex == -1 {
				frame.PayloadFieldIndex = i
			}
		case SemanticLength:
			if frame.LengthFieldIndex == -1 {
				frame.LengthFieldIndex = i
			}
		case SemanticMac:
			if frame.MacFieldIndex == -1 {
				frame.MacFieldIndex = i
			}
		}
	}
	return frame, nil
}

func semanticFor(rules []SemanticRule, fieldName string) *Semantic {
	for _, r := range rules {
		if r.Field == fieldName {
			sem := r.Semantic
			return &sem
		}
	}
	return nil
}

// Wrap runs the two-pass wrap algorithm over payload (ciphertext). Pass 1
// computes the total frame length; pass 2 emits every field, with LENGTH
// fields computed as (total size) - (offset after this field).
func (f *Frame) Wrap(payload []byte) ([]byte, error) {
	totalSize := 0
	for _, field := range f.Format.Fields {
		sem := semanticFor(f.Semantics, field.Name)
		switch {
		case sem == nil:
			totalSize += fieldSize(field.Type)
		case sem.Kind == SemanticFixedValue:
			totalSize += fieldSize(field.Type)
		case sem.Kind == SemanticFixedBytes:
			totalSize += len(sem.Bytes)
		case sem.Kind == SemanticLength:
			totalSize += fieldSize(field.Type)
		case sem.Kind == SemanticPayload:
			totalSize += len(payload)
		case sem.Kind == SemanticRandom:
			totalSize += fieldSize(field.Type)
		case sem.Kind == SemanticMac:
			// MAC is already inside the AEAD payload; nothing to emit here.
		default:
			totalSize += fieldSize(field.Type)
		}
	}

	output := make([]byte, 0, totalSize)
	for _, field := range f.Format.Fields {
		sem := semanticFor(f.Semantics, field.Name)
		switch {
		case sem == nil:
			output = appendZeros(output, field.Type)
		case sem.Kind == SemanticFixedValue:
			var err error
			output, err = writeFieldValue(output, field.Type, sem.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", verrors.ErrFrameInvalid, err)
			}
		case sem.Kind == SemanticFixedBytes:
			output = append(output, sem.Bytes...)
		case sem.Kind == SemanticLength:
			currentOffset := len(output)
			lengthFieldSize := fieldSize(field.Type)
			remaining := totalSize - currentOffset - lengthFieldSize
			if remaining < 0 {
				return nil, fmt.Errorf("%w: negative length computed for field %s", verrors.ErrFrameInvalid, field.Name)
			}
			var err error
			output, err = writeFieldValue(output, field.Type, uint64(remaining))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", verrors.ErrFrameInvalid, err)
			}
		case sem.Kind == SemanticPayload:
			output = append(output, payload...)
		case sem.Kind == SemanticRandom:
			var err error
			output, err = appendRandom(output, field.Type)
			if err != nil {
				return nil, err
			}
		case sem.Kind == SemanticMac:
			// already carried inside the payload's AEAD tag
		default:
			output = appendZeros(output, field.Type)
		}
	}

	return output, nil
}

// WrapHandshake wraps a handshake message (no payload field contents).
func (f *Frame) WrapHandshake() ([]byte, error) {
	return f.Wrap(nil)
}

// Unwrap walks the field list, validating FIXED_VALUE fields (mismatch is
// fatal), reading-but-not-validating LENGTH fields, and returning the
// remainder of the input once it reaches the PAYLOAD-tagged field
// (to-end semantics). Unknown tags are skipped for fixed-width fields.
func (f *Frame) Unwrap(data []byte) ([]byte, error) {
	offset := 0
	for i, field := range f.Format.Fields {
		sem := semanticFor(f.Semantics, field.Name)
		switch {
		case sem != nil && sem.Kind == SemanticFixedValue:
			actual, err := readFieldValue(data, &offset, field.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", verrors.ErrFrameInvalid, err)
			}
			if actual != sem.Value {
				return nil, fmt.Errorf("%w: field %s: expected 0x%x, got 0x%x", verrors.ErrFrameInvalid, field.Name, sem.Value, actual)
			}
		case sem != nil && sem.Kind == SemanticLength:
			if _, err := readFieldValue(data, &offset, field.Type); err != nil {
				return nil, fmt.Errorf("%w: %v", verrors.ErrFrameInvalid, err)
			}
		case sem != nil && sem.Kind == SemanticPayload:
			if i == f.PayloadFieldIndex {
				if offset > len(data) {
					return nil, fmt.Errorf("%w: truncated frame before payload", verrors.ErrFrameInvalid)
				}
				return data[offset:], nil
			}
		default:
			if err := skipField(data, &offset, field.Type); err != nil {
				return nil, fmt.Errorf("%w: %v", verrors.ErrFrameInvalid, err)
			}
		}
	}

	return nil, fmt.Errorf("%w: no payload field found in format %s", verrors.ErrFrameInvalid, f.Format.Name)
}

// ReadFrame reads exactly one wire frame for this Frame's Format from a
// byte stream such as a TCP connection, where Unwrap's "whole buffer
// already available" assumption does not hold. It reads the fixed-size
// prefix up to and including the LENGTH field, decodes the remaining byte
// count the same way Wrap computed it, then reads exactly that many more
// bytes. The format must declare a LENGTH field: the built-in https, dns
// and ssh shapes do; quic's QuicShortHeader does not, and ReadFrame
// returns ErrFrameInvalid for it.
func (f *Frame) ReadFrame(r io.Reader) ([]byte, error) {
	if f.LengthFieldIndex == -1 {
		return nil, fmt.Errorf("%w: format %s has no LENGTH field, cannot frame a stream read", verrors.ErrFrameInvalid, f.Format.Name)
	}

	prefixSize := 0
	for i := 0; i <= f.LengthFieldIndex; i++ {
		prefixSize += fieldSize(f.Format.Fields[i].Type)
	}
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, fmt.Errorf("%w: read frame prefix: %v", verrors.ErrTransportIO, err)
	}

	lengthField := f.Format.Fields[f.LengthFieldIndex]
	lengthOffset := prefixSize - fieldSize(lengthField.Type)
	remaining, err := readFieldValue(prefix, &lengthOffset, lengthField.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verrors.ErrFrameInvalid, err)
	}

	rest := make([]byte, remaining)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, fmt.Errorf("%w: read frame body: %v", verrors.ErrTransportIO, err)
	}
	return append(prefix, rest...), nil
}

func fieldSize(ft FieldType) int {
	switch ft.Kind {
	case KindUInt, KindByteArray:
		return ft.Size
	default:
		return 0
	}
}

func writeFieldValue(output []byte, ft FieldType, value uint64) ([]byte, error) {
	if ft.Kind != KindUInt {
		return nil, fmt.Errorf("psf: can only write integer values, got kind %d", ft.Kind)
	}
	switch ft.Size {
	case 1:
		return append(output, byte(value)), nil
	case 2:
		return append(output, byte(value>>8), byte(value)), nil
	case 3:
		return append(output, byte(value>>16), byte(value>>8), byte(value)), nil
	case 4:
		return append(output, byte(value>>24), byte(value>>16), byte(value>>8), byte(value)), nil
	case 8:
		return append(output,
			byte(value>>56), byte(value>>48), byte(value>>40), byte(value>>32),
			byte(value>>24), byte(value>>16), byte(value>>8), byte(value)), nil
	default:
		return nil, fmt.Errorf("psf: unsupported integer size %d", ft.Size)
	}
}

func readFieldValue(data []byte, offset *int, ft FieldType) (uint64, error) {
	if ft.Kind != KindUInt {
		return 0, fmt.Errorf("psf: can only read integer values, got kind %d", ft.Kind)
	}
	size := ft.Size
	if *offset+size > len(data) {
		return 0, fmt.Errorf("psf: incomplete field at offset %d (need %d, have %d)", *offset, size, len(data)-*offset)
	}
	var v uint64
	for i := 0; i < size; i++ {
		v = v<<8 | uint64(data[*offset+i])
	}
	*offset += size
	return v, nil
}

func skipField(data []byte, offset *int, ft FieldType) error {
	switch ft.Kind {
	case KindUInt, KindByteArray:
		*offset += ft.Size
		return nil
	case KindByteArrayDynamic:
		// The length governing a dynamic array lives in a separate,
		// already-consumed field; this design only ever places PAYLOAD at
		// to-end position, so dynamic non-payload fields are not advanced.
		return nil
	default:
		return nil
	}
}

func appendZeros(output []byte, ft FieldType) []byte {
	switch ft.Kind {
	case KindUInt, KindByteArray:
		return append(output, make([]byte, ft.Size)...)
	default:
		return output
	}
}

func appendRandom(output []byte, ft FieldType) ([]byte, error) {
	if ft.Kind != KindByteArray {
		return nil, fmt.Errorf("%w: RANDOM semantic requires a byte array type", verrors.ErrFrameInvalid)
	}
	buf := make([]byte, ft.Size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("psf: generate random field: %w", err)
	}
	return append(output, buf...), nil
}

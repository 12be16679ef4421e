// Package psf implements the Protocol Shape Format interpreter (C3): a
// lexer, recursive-descent parser, and two-pass wrap/unwrap engine driven
// entirely by a declarative spec rather than per-shape Go code. The
// grammar and algorithm are grounded directly on the original
// psf/{lexer,parser,types,interpreter} implementation this design was
// distilled from; this package re-expresses the same section structure
// and two-pass semantics in idiomatic Go.
package psf

import "fmt"

// FieldType is the declared wire type of one field in a Format.
type FieldType struct {
	Kind         FieldKind
	Size         int    // byte width for UInt and ByteArray
	LengthField  string // referenced field name for ByteArrayDynamic
	NestedFormat string // referenced format name for Nested
}

// FieldKind enumerates the field type variants the Formats grammar accepts.
type FieldKind int

const (
	KindUInt FieldKind = iota
	KindByteArray
	KindByteArrayDynamic
	KindString
	KindNested
)

// Field is one ordered member of a Format.
type Field struct {
	Name string
	Type FieldType
}

// Format is a named, ordered record layout.
type Format struct {
	Name   string
	Fields []Field
}

// FieldIndex returns the position of the named field, or -1.
func (f Format) FieldIndex(name string) int {
	for i, fl := range f.Fields {
		if fl.Name == name {
			return i
		}
	}
	return -1
}

// SemanticKind enumerates the tag vocabulary a (format, field) pair may
// carry.
type SemanticKind int

const (
	SemanticFixedValue SemanticKind = iota
	SemanticFixedBytes
	SemanticLength
	SemanticPayload
	SemanticMac
	SemanticPadding
	SemanticRandom
	SemanticCommandType
)

// Semantic is the resolved tag for one (format, field) pair.
type Semantic struct {
	Kind  SemanticKind
	Value uint64 // for FixedValue
	Bytes []byte // for FixedBytes
}

// SemanticRule binds a Semantic to one field of one format, as parsed from
// the @SEGMENT.SEMANTICS section.
type SemanticRule struct {
	Format   string
	Field    string
	Semantic Semantic
}

// SequenceRule binds a (role, phase) pair to the format used in that
// position, as parsed from the @SEGMENT.SEQUENCE section.
type SequenceRule struct {
	Role   string
	Phase  string
	Format string
}

// Spec is one fully parsed PSF document.
type Spec struct {
	Name      string
	Formats   map[string]Format
	Semantics []SemanticRule
	Sequence  []SequenceRule
}

// Validate checks the three cross-reference invariants the data model
// requires: every Sequence format exists, every Semantics entry targets a
// defined (format, field), and no Format carries more than one
// PAYLOAD-tagged field.
func (s *Spec) Validate() error {
	for _, seq := range s.Sequence {
		if _, ok := s.Formats[seq.Format]; !ok {
			return fmt.Errorf("psf: sequence %s/%s references undefined format %q", seq.Role, seq.Phase, seq.Format)
		}
	}

	payloadCount := map[string]int{}
	for _, sem := range s.Semantics {
		format, ok := s.Formats[sem.Format]
		if !ok {
			return fmt.Errorf("psf: semantic rule references undefined format %q", sem.Format)
		}
		if format.FieldIndex(sem.Field) < 0 {
			return fmt.Errorf("psf: semantic rule references undefined field %s.%s", sem.Format, sem.Field)
		}
		if sem.Semantic.Kind == SemanticPayload {
			payloadCount[sem.Format]++
		}
	}
	for name, count := range payloadCount {
		if count > 1 {
			return fmt.Errorf("psf: format %q has %d PAYLOAD fields, at most one is allowed", name, count)
		}
	}
	return nil
}

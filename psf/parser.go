package psf

import (
	"fmt"

	"github.com/opd-ai/veil/internal/verrors"
)

// Parser builds a Spec from a token stream. The section grammar mirrors
// the original psf parser: FORMATS and SEQUENCE section errors are
// recovered from by skipping to the next section; SEMANTICS section
// errors are fatal and abort the whole parse, since a misread semantic
// tag silently corrupts wrap/unwrap in a way the other two sections do
// not.
type Parser struct {
	tokens []Token
	pos    int
}

// Parse tokenizes and parses a complete PSF source document.
func Parse(source string) (*Spec, error) {
	toks, err := Tokenize(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", verrors.ErrPsfParse, err)
	}
	p := &Parser{tokens: toks}
	return p.parse()
}

func (p *Parser) parse() (*Spec, error) {
	spec := &Spec{Name: "protocol", Formats: map[string]Format{}}

	for !p.isEOF() {
		p.skipNewlines()
		if p.isEOF() {
			break
		}

		if p.matchKind(TokAt) {
			p.advance()
			ident, err := p.expectIdentifier()
			if err != nil {
				p.skipUntilSection()
				continue
			}

			if ident != "SEGMENT" {
				p.skipUntilSection()
				continue
			}

			p.skipNewlines()
			if err := p.expectKind(TokDot); err != nil {
				p.skipUntilSection()
				continue
			}
			section, err := p.expectIdentifier()
			if err != nil {
				p.skipUntilSection()
				continue
			}

			switch section {
			case "FORMATS":
				formats, err := p.parseFormats()
				if err != nil {
					p.skipUntilSection()
					continue
				}
				for k, v := range formats {
					spec.Formats[k] = v
				}
			case "SEMANTICS":
				semantics, err := p.parseSemantics()
				if err != nil {
					return nil, fmt.Errorf("%w: semantics section: %v", verrors.ErrPsfParse, err)
				}
				spec.Semantics = append(spec.Semantics, semantics...)
			case "SEQUENCE":
				seq, err := p.parseSequence()
				if err != nil {
					p.skipUntilSection()
					continue
				}
				spec.Sequence = append(spec.Sequence, seq...)
			default:
				p.skipUntilSection()
			}
		} else {
			p.advance()
		}
	}

	return spec, nil
}

// --- FORMATS ---

func (p *Parser) parseFormats() (map[string]Format, error) {
	formats := map[string]Format{}

	for !p.isEOF() && !p.matchKind(TokAt) {
		p.skipNewlines()
		if p.isEOF() || p.matchKind(TokAt) {
			break
		}

		if !p.matchIdent("DEFINE") {
			p.advance()
			continue
		}
		p.advance()
		name, err := p.expectIdentifier()
		if err != nil {
			return nil, err
		}

		var fields []Field
		p.skipNewlines()

		for !p.isEOF() && !p.matchKind(TokAt) {
			p.skipNewlines()

			if p.matchKind(TokSemicolon) {
				p.advance()
				break
			}
			if p.matchKind(TokAt) {
				break
			}
			if !p.matchKind(TokLeftBrace) {
				if p.matchIdent("DEFINE") {
					break
				}
				p.advance()
				continue
			}
			p.advance() // consume {

			var fieldName string
			var fieldType *FieldType

			for !p.matchKind(TokRightBrace) && !p.isEOF() {
				key, err := p.expectIdentifier()
				if err != nil {
					return nil, err
				}
				if err := p.expectKind(TokColon); err != nil {
					return nil, err
				}

				switch key {
				case "NAME":
					fieldName, err = p.expectIdentifier()
					if err != nil {
						return nil, err
					}
				case "TYPE":
					ft, err := p.parseFieldType()
					if err != nil {
						return nil, err
					}
					fieldType = ft
				}

				if p.matchKind(TokSemicolon) {
					p.advance()
				}
			}
			if p.matchKind(TokRightBrace) {
				p.advance()
			}
			if p.matchKind(TokComma) {
				p.advance()
			}

			if fieldName != "" && fieldType != nil {
				fields = append(fields, Field{Name: fieldName, Type: *fieldType})
			}
		}

		formats[name] = Format{Name: name, Fields: fields}
	}

	return formats, nil
}

var fixedUintWidths = map[string]int{
	"u1": 1, "u2": 1, "u4": 1, "u5": 1, "u7": 1, "u8": 1,
	"u16": 2, "u24": 3, "u32": 4, "u64": 8, "varint": 4,
}

func (p *Parser) parseFieldType() (*FieldType, error) {
	tok := p.current()

	if tok.Kind == TokLeftBracket {
		p.advance()
		// Element type (conventionally u8); the value itself is not used,
		// only consumed, matching the original's permissive grammar.
		if _, err := p.parseFieldType(); err != nil {
			return nil, err
		}
		if err := p.expectKind(TokSemicolon); err != nil {
			return nil, err
		}

		if p.matchKind(TokNumber) {
			size := int(p.current().Num)
			p.advance()
			p.skipArithmeticTail()
			if err := p.expectKind(TokRightBracket); err != nil {
				return nil, err
			}
			return &FieldType{Kind: KindByteArray, Size: size}, nil
		}
		if p.matchKind(TokIdentifier) {
			name := p.current().Text
			p.advance()
			if p.matchKind(TokDot) {
				p.advance()
				sub, err := p.expectIdentifier()
				if err != nil {
					return nil, err
				}
				name = name + "." + sub
			}
			p.skipArithmeticTail()
			if err := p.expectKind(TokRightBracket); err != nil {
				return nil, err
			}
			if name == "variable" {
				return &FieldType{Kind: KindString}, nil
			}
			return &FieldType{Kind: KindByteArrayDynamic, LengthField: name}, nil
		}
		return nil, fmt.Errorf("psf: expected array size or field name at line %d", tok.Line)
	}

	if tok.Kind == TokIdentifier {
		if width, ok := fixedUintWidths[tok.Text]; ok {
			p.advance()
			return &FieldType{Kind: KindUInt, Size: width}, nil
		}
		name := tok.Text
		p.advance()
		return &FieldType{Kind: KindNested, NestedFormat: name}, nil
	}

	return nil, fmt.Errorf("psf: unexpected type token at line %d", tok.Line)
}

// skipArithmeticTail discards a trailing `* N`, `+ N`, `- N` (or dotted
// identifier operand) sequence after an array size/name, which the
// grammar permits purely as documentation.
func (p *Parser) skipArithmeticTail() {
	for p.matchKind(TokStar) || p.matchKind(TokPlus) || p.matchKind(TokMinus) {
		p.advance()
		if p.matchKind(TokNumber) {
			p.advance()
		} else if p.matchKind(TokIdentifier) {
			p.advance()
			if p.matchKind(TokDot) {
				p.advance()
				if p.matchKind(TokIdentifier) {
					p.advance()
				}
			}
		}
	}
}

// --- SEMANTICS ---

func (p *Parser) parseSemantics() ([]SemanticRule, error) {
	var rules []SemanticRule

	for !p.isEOF() && !p.matchKind(TokAt) {
		p.skipNewlines()
		if p.isEOF() || p.matchKind(TokAt) {
			break
		}

		switch {
		case p.matchIdent("DEFINE"):
			p.advance()
			format, err := p.expectIdentifier()
			if err != nil {
				p.skipUntilNewline()
				continue
			}
			if err := p.expectKind(TokDot); err != nil {
				p.skipUntilNewline()
				continue
			}
			field, err := p.expectIdentifier()
			if err != nil {
				p.skipUntilNewline()
				continue
			}
			p.skipNewlines()

			var semantic *Semantic
			for !p.isEOF() && !p.matchKind(TokAt) && !p.matchIdent("DEFINE") {
				if p.matchKind(TokNewline) {
					p.advance()
					p.skipNewlines()
					if p.matchKind(TokAt) || p.matchIdent("DEFINE") || p.matchIdent("ROLE") {
						break
					}
					if p.matchKind(TokNewline) || p.isEOF() {
						break
					}
					continue
				}

				if !p.matchKind(TokIdentifier) {
					break
				}
				key := p.current().Text
				p.advance()

				if !p.matchKind(TokColon) {
					p.skipUntilSemicolonOrNewline()
					continue
				}
				p.advance()

				switch key {
				case "SEMANTIC":
					sem, err := p.parseSemanticType()
					if err != nil {
						return nil, err
					}
					semantic = sem
				case "FIXED_VALUE":
					val, ok := p.readScalarValue()
					if !ok {
						return nil, fmt.Errorf("psf: expected value after FIXED_VALUE at line %d", p.current().Line)
					}
					p.advance()
					semantic = &Semantic{Kind: SemanticFixedValue, Value: val}
				case "VALUES":
					p.skipUntilSemicolonOrNewline()
				default:
					p.skipUntilSemicolonOrNewline()
				}

				if p.matchKind(TokSemicolon) {
					p.advance()
					break
				}
			}

			if format != "" && field != "" && semantic != nil {
				rules = append(rules, SemanticRule{Format: format, Field: field, Semantic: *semantic})
			}

		case p.matchKind(TokLeftBrace):
			p.advance()
			var format, field string
			var semantic *Semantic

			for !p.matchKind(TokRightBrace) && !p.isEOF() {
				key, err := p.expectIdentifier()
				if err != nil {
					return nil, err
				}
				if err := p.expectKind(TokColon); err != nil {
					return nil, err
				}

				switch key {
				case "FORMAT":
					format, err = p.expectIdentifier()
					if err != nil {
						return nil, err
					}
				case "FIELD":
					field, err = p.expectIdentifier()
					if err != nil {
						return nil, err
					}
				case "SEMANTIC":
					sem, err := p.parseSemanticType()
					if err != nil {
						return nil, err
					}
					semantic = sem
				default:
					p.skipUntil(TokSemicolon)
				}

				if p.matchKind(TokSemicolon) {
					p.advance()
				}
			}
			if p.matchKind(TokRightBrace) {
				p.advance()
			}
			if p.matchKind(TokSemicolon) {
				p.advance()
			}

			if format != "" && field != "" && semantic != nil {
				rules = append(rules, SemanticRule{Format: format, Field: field, Semantic: *semantic})
			}

		default:
			p.advance()
		}
	}

	return rules, nil
}

// readScalarValue reads (without advancing past) a Number/Char/String
// token as a uint64, matching FIXED_VALUE's permissive value grammar;
// string literals are accepted but degrade to 0 (the rust original's own
// placeholder behavior for long hex-string fixed values).
func (p *Parser) readScalarValue() (uint64, bool) {
	tok := p.current()
	switch tok.Kind {
	case TokNumber:
		return tok.Num, true
	case TokChar:
		if len(tok.Text) > 0 {
			return uint64(tok.Text[0]), true
		}
		return 0, true
	case TokString:
		return 0, true
	default:
		return 0, false
	}
}

func (p *Parser) parseSemanticType() (*Semantic, error) {
	tok := p.current()

	if tok.Kind != TokIdentifier {
		return nil, fmt.Errorf("psf: unknown semantic type at line %d", tok.Line)
	}

	switch tok.Text {
	case "FIXED_VALUE":
		p.advance()
		if err := p.expectKind(TokLeftParen); err != nil {
			return nil, err
		}
		p.skipNewlines()

		first, ok := p.readScalarValue()
		if !ok {
			return nil, fmt.Errorf("psf: expected number or char in FIXED_VALUE at line %d", p.current().Line)
		}
		p.advance()

		if p.matchKind(TokComma) {
			bytes := []byte{byte(first)}
			for p.matchKind(TokComma) {
				p.advance()
				p.skipNewlines()
				v, ok := p.readScalarValue()
				if !ok {
					return nil, fmt.Errorf("psf: expected number or char in FIXED_VALUE array at line %d", p.current().Line)
				}
				p.advance()
				bytes = append(bytes, byte(v))
			}
			p.skipNewlines()
			if err := p.expectKind(TokRightParen); err != nil {
				return nil, err
			}
			return &Semantic{Kind: SemanticFixedBytes, Bytes: bytes}, nil
		}

		if err := p.expectKind(TokRightParen); err != nil {
			return nil, err
		}
		return &Semantic{Kind: SemanticFixedValue, Value: first}, nil

	case "FIXED_BYTES":
		p.advance()
		if err := p.expectKind(TokLeftParen); err != nil {
			return nil, err
		}
		p.skipNewlines()
		if err := p.expectKind(TokLeftBracket); err != nil {
			return nil, err
		}
		p.skipNewlines()

		var bytes []byte
		for !p.matchKind(TokRightBracket) && !p.isEOF() {
			v, ok := p.readScalarValue()
			if !ok {
				return nil, fmt.Errorf("psf: expected number or char in FIXED_BYTES array at line %d", p.current().Line)
			}
			p.advance()
			bytes = append(bytes, byte(v))
			if p.matchKind(TokComma) {
				p.advance()
			}
			p.skipNewlines()
		}
		if err := p.expectKind(TokRightBracket); err != nil {
			return nil, err
		}
		p.skipNewlines()
		if err := p.expectKind(TokRightParen); err != nil {
			return nil, err
		}
		return &Semantic{Kind: SemanticFixedBytes, Bytes: bytes}, nil

	case "LENGTH":
		p.advance()
		return &Semantic{Kind: SemanticLength}, nil
	case "PAYLOAD":
		p.advance()
		return &Semantic{Kind: SemanticPayload}, nil
	case "MAC":
		p.advance()
		return &Semantic{Kind: SemanticMac}, nil
	case "PADDING":
		p.advance()
		return &Semantic{Kind: SemanticPadding}, nil
	case "RANDOM":
		p.advance()
		return &Semantic{Kind: SemanticRandom}, nil
	default:
		// Unknown semantic identifiers (future/ext tags) degrade to Length,
		// matching the permissive fallback the original parser uses rather
		// than failing the whole document over one unrecognized tag.
		p.advance()
		return &Semantic{Kind: SemanticLength}, nil
	}
}

// --- SEQUENCE ---

func (p *Parser) parseSequence() ([]SequenceRule, error) {
	var rules []SequenceRule

	for !p.isEOF() && !p.matchKind(TokAt) {
		p.skipNewlines()
		if p.isEOF() || p.matchKind(TokAt) {
			break
		}

		switch {
		case p.matchIdent("ROLE"):
			p.advance()
			if err := p.expectKind(TokColon); err != nil {
				return nil, err
			}
			role, err := p.expectIdentifier()
			if err != nil {
				return nil, err
			}
			p.skipNewlines()

			for !p.isEOF() && !p.matchKind(TokAt) && !p.matchIdent("ROLE") {
				if !p.matchIdent("PHASE") {
					if p.matchKind(TokNewline) {
						p.skipNewlines()
						continue
					}
					break
				}
				p.advance()
				if err := p.expectKind(TokColon); err != nil {
					return nil, err
				}
				phase, err := p.expectIdentifier()
				if err != nil {
					return nil, err
				}
				p.skipNewlines()

				for !p.isEOF() && !p.matchKind(TokAt) && !p.matchIdent("ROLE") && !p.matchIdent("PHASE") {
					if !p.matchIdent("FORMAT") {
						if p.matchKind(TokNewline) {
							p.skipNewlines()
							continue
						}
						break
					}
					p.advance()
					if err := p.expectKind(TokColon); err != nil {
						return nil, err
					}
					format, err := p.expectIdentifier()
					if err != nil {
						return nil, err
					}
					rules = append(rules, SequenceRule{Role: role, Phase: phase, Format: format})

					if p.matchKind(TokSemicolon) {
						p.advance()
					}
					p.skipNewlines()
				}
			}

		case p.matchKind(TokLeftBrace):
			p.advance()
			var role, phase, format string

			for !p.matchKind(TokRightBrace) && !p.isEOF() {
				key, err := p.expectIdentifier()
				if err != nil {
					return nil, err
				}
				if err := p.expectKind(TokColon); err != nil {
					return nil, err
				}

				switch key {
				case "ROLE":
					role, err = p.expectIdentifier()
					if err != nil {
						return nil, err
					}
				case "PHASE":
					phase, err = p.expectIdentifier()
					if err != nil {
						return nil, err
					}
				case "FORMAT":
					format, err = p.expectIdentifier()
					if err != nil {
						return nil, err
					}
				default:
					p.skipUntil(TokSemicolon)
				}

				if p.matchKind(TokSemicolon) {
					p.advance()
				}
			}
			if p.matchKind(TokRightBrace) {
				p.advance()
			}
			if p.matchKind(TokSemicolon) {
				p.advance()
			}

			if role != "" && phase != "" && format != "" {
				rules = append(rules, SequenceRule{Role: role, Phase: phase, Format: format})
			}

		default:
			p.advance()
		}
	}

	return rules, nil
}

// --- token utilities ---

func (p *Parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: TokEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) advance() {
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
}

func (p *Parser) isEOF() bool { return p.current().Kind == TokEOF }

func (p *Parser) matchKind(k TokenKind) bool { return p.current().Kind == k }

func (p *Parser) matchIdent(text string) bool {
	t := p.current()
	return t.Kind == TokIdentifier && t.Text == text
}

func (p *Parser) expectKind(k TokenKind) error {
	if !p.matchKind(k) {
		return fmt.Errorf("psf: expected token %d, got %d at line %d", k, p.current().Kind, p.current().Line)
	}
	p.advance()
	return nil
}

func (p *Parser) expectIdentifier() (string, error) {
	t := p.current()
	if t.Kind != TokIdentifier {
		return "", fmt.Errorf("psf: expected identifier, got token %d at line %d", t.Kind, t.Line)
	}
	p.advance()
	return t.Text, nil
}

func (p *Parser) skipNewlines() {
	for p.matchKind(TokNewline) {
		p.advance()
	}
}

func (p *Parser) skipUntil(k TokenKind) {
	for !p.isEOF() && !p.matchKind(k) {
		p.advance()
	}
}

func (p *Parser) skipUntilSection() {
	for !p.isEOF() && !p.matchKind(TokAt) {
		p.advance()
	}
}

func (p *Parser) skipUntilNewline() {
	for !p.isEOF() && !p.matchKind(TokNewline) {
		p.advance()
	}
}

func (p *Parser) skipUntilSemicolonOrNewline() {
	for !p.isEOF() && !p.matchKind(TokSemicolon) && !p.matchKind(TokNewline) {
		p.advance()
	}
}

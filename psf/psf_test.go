package psf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tlsLikeShape = `
@SEGMENT.FORMATS

DEFINE TlsRecord
{ NAME: content_type; TYPE: u8 },
{ NAME: version; TYPE: u16 },
{ NAME: length; TYPE: u16 },
{ NAME: payload; TYPE: [u8; length] };

@SEGMENT.SEMANTICS

{ FORMAT: TlsRecord; FIELD: content_type; SEMANTIC: FIXED_VALUE(23) };
{ FORMAT: TlsRecord; FIELD: version; SEMANTIC: FIXED_VALUE(0x0303) };
{ FORMAT: TlsRecord; FIELD: length; SEMANTIC: LENGTH };
{ FORMAT: TlsRecord; FIELD: payload; SEMANTIC: PAYLOAD };

@SEGMENT.SEQUENCE

ROLE: CLIENT
  PHASE: DATA
    FORMAT: TlsRecord;
ROLE: SERVER
  PHASE: DATA
    FORMAT: TlsRecord;
`

const terseShape = `
@SEGMENT.FORMATS
DEFINE Ping
{ NAME: magic; TYPE: u32 },
{ NAME: nonce; TYPE: [u8; 8] },
{ NAME: data; TYPE: [u8; variable] };

@SEGMENT.SEMANTICS
DEFINE Ping.magic SEMANTIC: FIXED_VALUE(0xCAFEBABE);
DEFINE Ping.nonce SEMANTIC: RANDOM;
DEFINE Ping.data SEMANTIC: PAYLOAD;

@SEGMENT.SEQUENCE
{ ROLE: CLIENT; PHASE: DATA; FORMAT: Ping };
`

func TestParseTlsLikeShape(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)
	require.NoError(t, spec.Validate())

	require.Contains(t, spec.Formats, "TlsRecord")
	assert.Len(t, spec.Formats["TlsRecord"].Fields, 4)
	assert.Len(t, spec.Semantics, 4)
	assert.Len(t, spec.Sequence, 2)
}

func TestFrameWrapUnwrapRoundTrip(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)

	frame, err := spec.CreateFrame("CLIENT", "DATA")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0xAB}, 1016)
	wrapped, err := frame.Wrap(payload)
	require.NoError(t, err)

	// header(1) + version(2) + length(2) + payload(1016)
	assert.Equal(t, 1021, len(wrapped))
	assert.Equal(t, byte(0x17), wrapped[0])
	assert.Equal(t, []byte{0x03, 0x03}, wrapped[1:3])
	assert.Equal(t, []byte{0x03, 0xF8}, wrapped[3:5]) // 1016 = 0x3F8

	unwrapped, err := frame.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, payload, unwrapped)
}

func TestFrameWrapUnwrapEmptyPayload(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)
	frame, err := spec.CreateFrame("CLIENT", "DATA")
	require.NoError(t, err)

	wrapped, err := frame.Wrap(nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00}, wrapped[3:5])

	unwrapped, err := frame.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Empty(t, unwrapped)
}

func TestFrameReadFrameFromStream(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)
	frame, err := spec.CreateFrame("CLIENT", "DATA")
	require.NoError(t, err)

	payload := bytes.Repeat([]byte{0x42}, 200)
	wrapped, err := frame.Wrap(payload)
	require.NoError(t, err)

	// Trailing bytes belonging to a second frame must be left unread.
	stream := bytes.NewReader(append(append([]byte{}, wrapped...), 0xFF, 0xFF))

	read, err := frame.ReadFrame(stream)
	require.NoError(t, err)
	assert.Equal(t, wrapped, read)
	assert.Equal(t, 2, stream.Len())

	unwrapped, err := frame.Unwrap(read)
	require.NoError(t, err)
	assert.Equal(t, payload, unwrapped)
}

func TestFrameReadFrameTruncatedPrefix(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)
	frame, err := spec.CreateFrame("CLIENT", "DATA")
	require.NoError(t, err)

	_, err = frame.ReadFrame(bytes.NewReader([]byte{0x17, 0x03}))
	assert.Error(t, err)
}

func TestFrameFixedValueMismatchIsFatal(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)
	frame, err := spec.CreateFrame("CLIENT", "DATA")
	require.NoError(t, err)

	wrapped, err := frame.Wrap([]byte("hi"))
	require.NoError(t, err)
	wrapped[0] = 0x99 // corrupt content_type

	_, err = frame.Unwrap(wrapped)
	assert.Error(t, err)
}

func TestCreateFrameUnknownPhaseFails(t *testing.T) {
	spec, err := Parse(tlsLikeShape)
	require.NoError(t, err)
	_, err = spec.CreateFrame("CLIENT", "HANDSHAKE")
	assert.Error(t, err)
}

func TestTerseSemanticsAndFixedBraceSequence(t *testing.T) {
	spec, err := Parse(terseShape)
	require.NoError(t, err)
	require.NoError(t, spec.Validate())

	frame, err := spec.CreateFrame("client", "data") // case-insensitive
	require.NoError(t, err)

	wrapped, err := frame.Wrap([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xCA, 0xFE, 0xBA, 0xBE}, wrapped[0:4])

	unwrapped, err := frame.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), unwrapped)
}

func TestValidateRejectsMultiplePayloadFields(t *testing.T) {
	spec := &Spec{
		Formats: map[string]Format{
			"Bad": {Name: "Bad", Fields: []Field{
				{Name: "a", Type: FieldType{Kind: KindByteArray, Size: 1}},
				{Name: "b", Type: FieldType{Kind: KindByteArray, Size: 1}},
			}},
		},
		Semantics: []SemanticRule{
			{Format: "Bad", Field: "a", Semantic: Semantic{Kind: SemanticPayload}},
			{Format: "Bad", Field: "b", Semantic: Semantic{Kind: SemanticPayload}},
		},
	}
	assert.Error(t, spec.Validate())
}

func TestValidateRejectsUndefinedSequenceFormat(t *testing.T) {
	spec := &Spec{
		Formats:  map[string]Format{},
		Sequence: []SequenceRule{{Role: "CLIENT", Phase: "DATA", Format: "Missing"}},
	}
	assert.Error(t, spec.Validate())
}

func TestLexerComments(t *testing.T) {
	src := "// comment\n# shell comment\n/* block\n comment */\nu8"
	toks, err := Tokenize(src)
	require.NoError(t, err)

	var identCount int
	for _, tok := range toks {
		if tok.Kind == TokIdentifier {
			identCount++
		}
	}
	assert.Equal(t, 1, identCount)
}

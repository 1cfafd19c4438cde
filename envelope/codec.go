package envelope

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// DefaultPrefix marks the protocol messages on a channel
// that may also carry unrelated plain strings.
const DefaultPrefix = "@UnityMessage@"

var (
	// ErrNotProtocolMessage is returned when decoding a string
	// that does not start with the codec prefix.
	ErrNotProtocolMessage = errors.New("envelope: not a protocol message")

	// ErrInvalidSequence is returned when the sequence marker
	// is not one of the known values.
	ErrInvalidSequence = errors.New("envelope: invalid sequence marker")

	// ErrInvalidText is returned when encoding an envelope whose name
	// or data is not valid UTF-8, since JSON cannot carry it unchanged.
	ErrInvalidText = errors.New("envelope: text is not valid UTF-8")
)

var errNotAnObject = errors.New("envelope: expected a JSON object")

// DecodeError is returned when the text after a matching prefix
// cannot be parsed into an envelope.
type DecodeError struct {
	// Text is the text after the prefix.
	Text string
	// Err is the underlying parsing error.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("envelope: malformed message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Codec encodes envelopes to prefixed strings and back.
// It is stateless and safe for concurrent use.
type Codec struct {
	prefix string
}

// DefaultCodec is the codec using DefaultPrefix.
var DefaultCodec = NewCodec(DefaultPrefix)

// NewCodec returns a codec using the given prefix.
// An empty prefix falls back to DefaultPrefix.
func NewCodec(prefix string) *Codec {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Codec{
		prefix: prefix,
	}
}

// Prefix returns the prefix of the codec.
func (c *Codec) Prefix() string {
	return c.prefix
}

// IsProtocolMessage states whether s starts with the codec prefix.
func (c *Codec) IsProtocolMessage(s string) bool {
	return strings.HasPrefix(s, c.prefix)
}

// Encode returns the prefix followed by the JSON form of the envelope.
// The field order is fixed, so the output is deterministic.
// The name and the data must be valid UTF-8.
func (c *Codec) Encode(env Envelope) (string, error) {
	if !env.Seq.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSequence, string(env.Seq))
	}

	if !utf8.ValidString(env.Name) {
		return "", fmt.Errorf("%w: name", ErrInvalidText)
	}
	if !utf8.ValidString(env.Data) {
		return "", fmt.Errorf("%w: data", ErrInvalidText)
	}

	buf, err := json.Marshal(&env)
	if err != nil {
		return "", fmt.Errorf("envelope: failed to encode: %w", err)
	}

	var sb strings.Builder
	sb.Grow(len(c.prefix) + len(buf))
	sb.WriteString(c.prefix)
	sb.Write(buf)

	return sb.String(), nil
}

// Decode parses a prefixed string into an envelope.
// It returns ErrNotProtocolMessage if s does not start with the prefix,
// and a *DecodeError if the remaining text is malformed.
func (c *Codec) Decode(s string) (Envelope, error) {
	text, ok := strings.CutPrefix(s, c.prefix)
	if !ok {
		return Envelope{}, ErrNotProtocolMessage
	}

	var parsed *Envelope
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return Envelope{}, &DecodeError{Text: text, Err: err}
	}

	if parsed == nil {
		return Envelope{}, &DecodeError{Text: text, Err: errNotAnObject}
	}
	env := *parsed

	if !env.Seq.Valid() {
		return Envelope{}, &DecodeError{
			Text: text,
			Err:  fmt.Errorf("%w: %q", ErrInvalidSequence, string(env.Seq)),
		}
	}

	return env, nil
}

// Encode encodes the envelope with the default codec.
func Encode(env Envelope) (string, error) {
	return DefaultCodec.Encode(env)
}

// Decode decodes the string with the default codec.
func Decode(s string) (Envelope, error) {
	return DefaultCodec.Decode(s)
}

package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Codec_RoundTrip(t *testing.T) {
	suite := []struct {
		name string
		env  Envelope
	}{
		{"fire-and-forget", Envelope{Name: "ping"}},
		{"start", Envelope{ID: 1, Seq: SequenceStart, Name: "add", Data: `{"a":2,"b":3}`}},
		{"end", Envelope{ID: 42, Seq: SequenceEnd, Name: "add", Data: "5"}},
		{"empty name", Envelope{ID: 3, Seq: SequenceStart}},
		{"nested prefix", Envelope{Name: "echo", Data: DefaultPrefix + `{"id":9}`}},
		{"escaping", Envelope{Name: "quote\"d\n", Data: "<tag> & \\ \t è ☃"}},
		{"big id", Envelope{ID: 1<<62 + 7, Seq: SequenceEnd, Name: "big"}},
	}

	codecs := []*Codec{DefaultCodec, NewCodec("#custom#")}

	for _, codec := range codecs {
		for _, tCase := range suite {
			t.Run(codec.Prefix()+tCase.name, func(t *testing.T) {
				encoded, err := codec.Encode(tCase.env)
				require.NoError(t, err)
				assert.True(t, codec.IsProtocolMessage(encoded))

				decoded, err := codec.Decode(encoded)
				require.NoError(t, err)
				assert.Equal(t, tCase.env, decoded)
			})
		}
	}
}

func Test_Codec_WireFormat(t *testing.T) {
	assert := assert.New(t)

	encoded, err := Encode(Envelope{ID: 7, Seq: SequenceStart, Name: "greet", Data: `"bob"`})
	assert.NoError(err)
	assert.Equal(`@UnityMessage@{"id":7,"seq":"start","name":"greet","data":"\"bob\""}`, encoded)

	// Messages produced by the peer may omit fields
	env, err := Decode(`@UnityMessage@{"name":"ping"}`)
	assert.NoError(err)
	assert.Equal(Envelope{Name: "ping"}, env)
}

func Test_Codec_Deterministic(t *testing.T) {
	env := Envelope{ID: 5, Seq: SequenceEnd, Name: "n", Data: "d"}

	first, err := Encode(env)
	require.NoError(t, err)

	for range 10 {
		again, err := Encode(env)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func Test_Codec_NotProtocolMessage(t *testing.T) {
	assert := assert.New(t)

	for _, s := range []string{"", "hello", " @UnityMessage@{}", "@Unity", `{"id":1}`} {
		_, err := Decode(s)
		assert.ErrorIs(err, ErrNotProtocolMessage, s)
		assert.False(DefaultCodec.IsProtocolMessage(s))
	}

	// Another prefix is not ours
	_, err := NewCodec("#other#").Decode(`@UnityMessage@{"name":"x"}`)
	assert.ErrorIs(err, ErrNotProtocolMessage)
}

func Test_Codec_DecodeError(t *testing.T) {
	assert := assert.New(t)

	suite := []string{
		"@UnityMessage@",
		"@UnityMessage@{",
		"@UnityMessage@not json",
		`@UnityMessage@{"id":"one"}`,
		`@UnityMessage@{"seq":"middle","name":"x"}`,
		"@UnityMessage@null",
		"@UnityMessage@ null ",
	}

	for _, s := range suite {
		_, err := Decode(s)

		var decErr *DecodeError
		if assert.True(errors.As(err, &decErr), s) {
			assert.Equal(s[len(DefaultPrefix):], decErr.Text)
			assert.NotErrorIs(err, ErrNotProtocolMessage)
		}
	}

	_, err := Decode(`@UnityMessage@{"seq":"middle"}`)
	assert.ErrorIs(err, ErrInvalidSequence)
}

func Test_Codec_EncodeInvalidSequence(t *testing.T) {
	_, err := Encode(Envelope{Seq: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidSequence)
}

func Test_Codec_EncodeInvalidText(t *testing.T) {
	assert := assert.New(t)

	_, err := Encode(Envelope{ID: 1, Seq: SequenceStart, Name: "bin", Data: "\xff\xfeabc"})
	assert.ErrorIs(err, ErrInvalidText)

	_, err = Encode(Envelope{Name: "bad\xc3"})
	assert.ErrorIs(err, ErrInvalidText)

	// Valid multi-byte text is carried unchanged
	encoded, err := Encode(Envelope{Name: "bin", Data: "\u00ff\u00feabc"})
	require.NoError(t, err)
	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal("\u00ff\u00feabc", decoded.Data)
}

func Test_NewCodec_EmptyPrefix(t *testing.T) {
	assert.Equal(t, DefaultPrefix, NewCodec("").Prefix())
}

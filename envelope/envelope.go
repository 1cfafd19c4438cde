// Package envelope defines the unit exchanged on the string channel
// and the codec that turns it into a prefixed text message and back.
package envelope

import (
	"log/slog"
)

// Sequence tags the role of an envelope in a callback-style exchange.
type Sequence string

const (
	// SequenceNone tags a fire-and-forget message or a plain inbound call.
	SequenceNone Sequence = ""
	// SequenceStart tags the initiating message of a callback exchange.
	SequenceStart Sequence = "start"
	// SequenceEnd tags the reply of a callback exchange.
	SequenceEnd Sequence = "end"
)

// Valid states whether the sequence is one of the known values.
func (s Sequence) Valid() bool {
	switch s {
	case SequenceNone, SequenceStart, SequenceEnd:
		return true
	default:
		return false
	}
}

func (s Sequence) String() string {
	if s == SequenceNone {
		return "none"
	}
	return string(s)
}

// Envelope is the structured unit exchanged over the channel.
type Envelope struct {
	// ID is the correlation id. It is 0 for fire-and-forget
	// messages and for inbound calls that are not replies.
	ID int64 `json:"id"`

	// Seq is the sequence marker.
	Seq Sequence `json:"seq"`

	// Name identifies the logical message or method.
	Name string `json:"name"`

	// Data is the opaque payload. It is usually an independently
	// encoded value (see EncodeData) and it is never interpreted here.
	Data string `json:"data"`
}

// IsCall states whether the envelope is a call that expects a reply.
func (e Envelope) IsCall() bool {
	return e.Seq == SequenceStart
}

// IsReply states whether the envelope is the reply of a callback exchange.
func (e Envelope) IsReply() bool {
	return e.Seq == SequenceEnd
}

// Reply returns the envelope answering this one: same id and name,
// sequence marker set to "end".
func (e Envelope) Reply(data string) Envelope {
	return Envelope{
		ID:   e.ID,
		Seq:  SequenceEnd,
		Name: e.Name,
		Data: data,
	}
}

// LogValue implements slog.LogValuer. The payload is summarized by its size.
func (e Envelope) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("id", e.ID),
		slog.String("seq", e.Seq.String()),
		slog.String("name", e.Name),
		slog.Int("data_size", len(e.Data)),
	)
}

// Package message contains the frame passed from a transport
// to the inbound dispatcher.
package message

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Frame is a raw string received from a transport, together with
// the metadata collected when it was received.
type Frame struct {
	raw         string
	receiveTime time.Time
	span        trace.SpanContext
}

// NewFrame creates a new frame holding the given raw string.
func NewFrame(raw string) *Frame {
	return &Frame{
		raw:         raw,
		receiveTime: time.Now(),
	}
}

// Raw returns the raw string.
func (f *Frame) Raw() string {
	return f.raw
}

// SetReceiveTime sets the time the frame was received.
func (f *Frame) SetReceiveTime(receiveTime time.Time) {
	f.receiveTime = receiveTime
}

// GetReceiveTime returns the time the frame was received.
func (f *Frame) GetReceiveTime() time.Time {
	return f.receiveTime
}

// SaveSpan saves the trace span for the frame.
func (f *Frame) SaveSpan(span trace.Span) {
	f.span = span.SpanContext()
}

// LoadSpanContext loads the trace of the frame
// into the provided context.
func (f *Frame) LoadSpanContext(ctx context.Context) context.Context {
	if !f.span.IsValid() {
		return ctx
	}
	return trace.ContextWithSpanContext(ctx, f.span)
}

// Package transport contains the channels that move encoded strings
// between the two runtimes. Every implementation delivers strings to the
// peer with Deliver and hands the received ones to a Receiver.
// The implementation is selected by configuration (see New).
package transport

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/FerroO2000/msgbridge/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrClosed is returned when delivering through a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned when there is no peer to deliver to.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrUnknownKind is returned by New for an unknown transport kind.
	ErrUnknownKind = errors.New("transport: unknown kind")

	// ErrMessageTooLarge is returned when delivering a string
	// the peer would not accept because of its size.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// Receiver is called for every string received from the peer.
// It may be called from any goroutine.
type Receiver func(ctx context.Context, raw string)

// Transport moves strings to and from the peer runtime.
// Delivery is best effort, no ordering or delivery guarantee
// is given beyond the one of the underlying channel.
type Transport interface {
	// Init prepares the transport (opens sockets, files, clients).
	Init(ctx context.Context) error
	// Run runs the receive loop until the context is done
	// or the transport is closed.
	Run(ctx context.Context)
	// Close closes (forever) the transport.
	Close()

	// Deliver sends the string to the peer.
	Deliver(ctx context.Context, s string) error
	// SetReceiver sets the function called for every received string.
	SetReceiver(r Receiver)
}

///////////////
//  METRICS  //
///////////////

type metrics struct {
	deliveredMessages atomic.Int64
	deliveredBytes    atomic.Int64
	deliveryFailures  atomic.Int64
	receivedMessages  atomic.Int64
	receivedBytes     atomic.Int64
	droppedMessages   atomic.Int64
}

func (m *metrics) init(tel *telemetry.Telemetry) {
	tel.NewCounter("delivered_messages", func() int64 { return m.deliveredMessages.Load() })
	tel.NewCounter("delivered_bytes", func() int64 { return m.deliveredBytes.Load() })
	tel.NewCounter("delivery_failures", func() int64 { return m.deliveryFailures.Load() })
	tel.NewCounter("received_messages", func() int64 { return m.receivedMessages.Load() })
	tel.NewCounter("received_bytes", func() int64 { return m.receivedBytes.Load() })
	tel.NewCounter("dropped_messages", func() int64 { return m.droppedMessages.Load() })
}

////////////
//  BASE  //
////////////

// base holds the parts shared by every transport.
type base struct {
	tel *telemetry.Telemetry

	receiver atomic.Pointer[Receiver]
	isClosed atomic.Bool

	metrics metrics
}

func newBase(name string) *base {
	return &base{
		tel: telemetry.New("transport", name),
	}
}

func (b *base) init() {
	b.tel.LogInfo("initializing")
	b.metrics.init(b.tel)
}

// SetReceiver sets the function called for every received string.
func (b *base) SetReceiver(r Receiver) {
	if r == nil {
		b.receiver.Store(nil)
		return
	}
	b.receiver.Store(&r)
}

func (b *base) closed() bool {
	return b.isClosed.Load()
}

// markClosed returns false if the transport was already closed.
func (b *base) markClosed() bool {
	if !b.isClosed.CompareAndSwap(false, true) {
		return false
	}

	b.tel.LogInfo("closing")
	return true
}

// deliver wraps the actual write with a span and the delivery metrics.
func (b *base) deliver(ctx context.Context, s string, write func(ctx context.Context) error) error {
	if b.closed() {
		return ErrClosed
	}

	ctx, span := b.tel.NewTrace(ctx, "deliver message")
	defer span.End()

	span.SetAttributes(attribute.Int("message_size", len(s)))

	if err := write(ctx); err != nil {
		span.RecordError(err)
		b.metrics.deliveryFailures.Add(1)
		return err
	}

	b.metrics.deliveredMessages.Add(1)
	b.metrics.deliveredBytes.Add(int64(len(s)))

	return nil
}

// receive hands a received string to the receiver.
// Strings received while no receiver is set are dropped.
func (b *base) receive(ctx context.Context, raw string) {
	ctx, span := b.tel.NewTrace(ctx, "receive message")
	defer span.End()

	span.SetAttributes(attribute.Int("message_size", len(raw)))

	b.metrics.receivedMessages.Add(1)
	b.metrics.receivedBytes.Add(int64(len(raw)))

	r := b.receiver.Load()
	if r == nil {
		b.metrics.droppedMessages.Add(1)
		b.tel.LogDebug("no receiver set, dropping message", "size", len(raw))
		return
	}

	(*r)(ctx, raw)
}

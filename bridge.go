package msgbridge

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/msgbridge/connector"
	"github.com/FerroO2000/msgbridge/correlation"
	"github.com/FerroO2000/msgbridge/envelope"
	"github.com/FerroO2000/msgbridge/internal/config"
	"github.com/FerroO2000/msgbridge/internal/message"
	"github.com/FerroO2000/msgbridge/internal/subscription"
	"github.com/FerroO2000/msgbridge/internal/telemetry"
	"github.com/FerroO2000/msgbridge/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrClosed is returned when using a closed bridge.
	ErrClosed = errors.New("msgbridge: bridge is closed")

	// ErrNotACall is returned when replying to an envelope
	// that is not a "start" call.
	ErrNotACall = errors.New("msgbridge: envelope is not a call")
)

// DeliveryError is returned when the transport fails to deliver
// an outbound message.
type DeliveryError struct {
	// ID is the correlation id of the message, 0 for fire-and-forget
	// and raw messages.
	ID int64
	// Name is the name of the message, empty for raw messages.
	Name string
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("msgbridge: failed to deliver raw message: %v", e.Err)
	}
	return fmt.Sprintf("msgbridge: failed to deliver %q (id %d): %v", e.Name, e.ID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Handle identifies a subscription to the inbound messages.
type Handle = subscription.Handle

// ReplyFunc consumes the payload of a reply. It is called at most once.
type ReplyFunc = correlation.ReplyFunc

///////////////
//  METRICS  //
///////////////

type metrics struct {
	sentMessages atomic.Int64
	sentCalls    atomic.Int64
	sentReplies  atomic.Int64
	sentRaw      atomic.Int64

	deliveryFailures atomic.Int64

	receivedMessages atomic.Int64
	plainMessages    atomic.Int64
	decodeErrors     atomic.Int64
	dispatchedCalls  atomic.Int64
	resolvedReplies  atomic.Int64
	unmatchedReplies atomic.Int64

	expiredRequests   atomic.Int64
	abandonedRequests atomic.Int64
}

func (m *metrics) init(tel *telemetry.Telemetry, table *correlation.Table) {
	tel.NewCounter("sent_messages", func() int64 { return m.sentMessages.Load() })
	tel.NewCounter("sent_calls", func() int64 { return m.sentCalls.Load() })
	tel.NewCounter("sent_replies", func() int64 { return m.sentReplies.Load() })
	tel.NewCounter("sent_raw", func() int64 { return m.sentRaw.Load() })

	tel.NewCounter("delivery_failures", func() int64 { return m.deliveryFailures.Load() })

	tel.NewCounter("received_messages", func() int64 { return m.receivedMessages.Load() })
	tel.NewCounter("plain_messages", func() int64 { return m.plainMessages.Load() })
	tel.NewCounter("decode_errors", func() int64 { return m.decodeErrors.Load() })
	tel.NewCounter("dispatched_calls", func() int64 { return m.dispatchedCalls.Load() })
	tel.NewCounter("resolved_replies", func() int64 { return m.resolvedReplies.Load() })
	tel.NewCounter("unmatched_replies", func() int64 { return m.unmatchedReplies.Load() })

	tel.NewCounter("expired_requests", func() int64 { return m.expiredRequests.Load() })
	tel.NewCounter("abandoned_requests", func() int64 { return m.abandonedRequests.Load() })

	tel.NewUpDownCounter("pending_requests", func() int64 { return int64(table.Len()) })
}

//////////////
//  BRIDGE  //
//////////////

var _ Stage = (*Bridge)(nil)

// Bridge sends fire-and-forget messages and callback calls through
// a transport, and dispatches what the transport receives.
//
// Strings received by the transport are queued and dispatched by a single
// owner goroutine, either Run or the caller of Drain. Reply continuations
// and subscribers are always invoked from that goroutine.
type Bridge struct {
	tel *telemetry.Telemetry
	cfg *Config

	codec *envelope.Codec
	tr    transport.Transport
	table *correlation.Table

	inbound connector.Connector[*message.Frame]

	handles  subscription.HandleSource
	rawSubs  *subscription.Registry[string]
	callSubs *subscription.Registry[envelope.Envelope]

	// lastSweep is owned by the dispatching goroutine
	lastSweep time.Time

	isClosed atomic.Bool

	metrics      metrics
	replyLatency *telemetry.Histogram
}

// NewBridge returns a bridge sending through tr. The bridge registers
// itself as the receiver of tr. A nil cfg selects the defaults.
func NewBridge(tr transport.Transport, cfg *Config) *Bridge {
	if cfg == nil {
		cfg = NewConfig()
	}

	tel := telemetry.New("bridge", "msgbridge")

	// The queue size and the prefix are needed right away
	validated := *cfg
	config.NewValidator(tel).Validate(&validated)

	b := &Bridge{
		tel: tel,
		cfg: &validated,

		codec: envelope.NewCodec(validated.Prefix),
		tr:    tr,
		table: correlation.NewTable(),

		inbound: connector.NewMPSCRingBuffer[*message.Frame](validated.InboundQueueSize),

		lastSweep: time.Now(),
	}

	b.rawSubs = subscription.NewSharedRegistry[string](&b.handles)
	b.callSubs = subscription.NewSharedRegistry[envelope.Envelope](&b.handles)

	tr.SetReceiver(b.receive)

	return b
}

// Init initializes the bridge.
func (b *Bridge) Init(_ context.Context) error {
	b.tel.LogInfo("initializing", "prefix", b.cfg.Prefix, "reply_timeout", b.cfg.ReplyTimeout)

	b.metrics.init(b.tel, b.table)
	b.replyLatency = b.tel.NewHistogram("reply_latency", "ms")

	return nil
}

// Run dispatches the received strings until the context is done
// or the bridge is closed.
func (b *Bridge) Run(ctx context.Context) {
	b.tel.LogInfo("running")

	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if b.cfg.ReplyTimeout > 0 {
			// Wake up in time for the next sweep
			readCtx, cancel = context.WithDeadline(ctx, b.lastSweep.Add(b.cfg.SweepInterval))
		}

		frame, err := b.inbound.Read(readCtx)
		cancel()

		if err != nil {
			if errors.Is(err, connector.ErrClosed) {
				b.tel.LogInfo("inbound queue is closed, stopping")
				return
			}

			if ctx.Err() != nil {
				return
			}
		} else {
			b.dispatch(ctx, frame)
		}

		b.sweep(time.Now())
	}
}

// Drain dispatches up to limit queued strings without blocking and returns
// how many were dispatched. A limit lower than 1 drains the whole queue.
// It is meant for hosts that pump the bridge from their own update loop
// instead of calling Run.
func (b *Bridge) Drain(ctx context.Context, limit int) int {
	dispatched := 0
	for limit < 1 || dispatched < limit {
		frame, ok := b.inbound.TryRead()
		if !ok {
			break
		}

		b.dispatch(ctx, frame)
		dispatched++
	}

	b.sweep(time.Now())

	return dispatched
}

// Close closes the bridge and its transport. The pending requests are
// dropped without invoking their continuations.
func (b *Bridge) Close() {
	if !b.isClosed.CompareAndSwap(false, true) {
		return
	}

	b.tel.LogInfo("closing")

	b.inbound.Close()

	if abandoned := b.table.Abandon(); abandoned > 0 {
		b.metrics.abandonedRequests.Add(int64(abandoned))
		b.tel.LogWarn("abandoning pending requests", "count", abandoned)
	}

	b.tr.Close()
}

// Prefix returns the marker identifying protocol messages.
func (b *Bridge) Prefix() string {
	return b.codec.Prefix()
}

// Pending returns the number of requests waiting for a reply.
func (b *Bridge) Pending() int {
	return b.table.Len()
}

// Cancel drops the request with the given id. Its continuation
// will never be invoked, a late reply is treated as unmatched.
func (b *Bridge) Cancel(id int64) bool {
	return b.table.Cancel(id)
}

////////////////
//  OUTBOUND  //
////////////////

// Send delivers a fire-and-forget message.
func (b *Bridge) Send(ctx context.Context, name, data string) error {
	if err := b.deliverEnvelope(ctx, envelope.Envelope{Name: name, Data: data}); err != nil {
		return err
	}

	b.metrics.sentMessages.Add(1)
	return nil
}

// SendWithReply delivers a call and returns its correlation id.
// The reply continuation is invoked at most once, by the dispatching
// goroutine, when the "end" envelope with the same id is received.
//
// If the delivery fails, the request stays registered
// and a *DeliveryError is returned together with the id.
// Cancel can be used to drop it.
func (b *Bridge) SendWithReply(ctx context.Context, name, data string, reply ReplyFunc) (int64, error) {
	if b.isClosed.Load() {
		return 0, ErrClosed
	}

	id := b.table.AllocateID()
	pending := &correlation.Pending{
		Name:  name,
		Data:  data,
		Reply: reply,
	}

	if err := b.table.Register(id, pending); err != nil {
		return 0, err
	}

	// Close may have abandoned the table before the registration
	if b.isClosed.Load() {
		b.table.Cancel(id)
		return 0, ErrClosed
	}

	err := b.deliverEnvelope(ctx, envelope.Envelope{
		ID:   id,
		Seq:  envelope.SequenceStart,
		Name: name,
		Data: data,
	})
	if err != nil {
		// Only a request that reached the transport stays registered
		var deliveryErr *DeliveryError
		if !errors.As(err, &deliveryErr) {
			b.table.Cancel(id)
			return 0, err
		}
		return id, err
	}

	b.metrics.sentCalls.Add(1)
	return id, nil
}

// Reply answers an inbound call with the given payload.
func (b *Bridge) Reply(ctx context.Context, call envelope.Envelope, data string) error {
	if !call.IsCall() {
		return ErrNotACall
	}

	if err := b.deliverEnvelope(ctx, call.Reply(data)); err != nil {
		return err
	}

	b.metrics.sentReplies.Add(1)
	return nil
}

// SendRaw delivers a plain string as it is, without any envelope.
func (b *Bridge) SendRaw(ctx context.Context, s string) error {
	if b.isClosed.Load() {
		return ErrClosed
	}

	if err := b.tr.Deliver(ctx, s); err != nil {
		b.metrics.deliveryFailures.Add(1)
		return &DeliveryError{Err: err}
	}

	b.metrics.sentRaw.Add(1)
	return nil
}

func (b *Bridge) deliverEnvelope(ctx context.Context, env envelope.Envelope) error {
	if b.isClosed.Load() {
		return ErrClosed
	}

	ctx, span := b.tel.NewTrace(ctx, "send envelope")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("id", env.ID),
		attribute.String("seq", env.Seq.String()),
		attribute.String("name", env.Name),
	)

	encoded, err := b.codec.Encode(env)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := b.tr.Deliver(ctx, encoded); err != nil {
		span.RecordError(err)
		b.metrics.deliveryFailures.Add(1)
		b.tel.LogWarn("failed to deliver envelope", "envelope", env, "error", err)
		return &DeliveryError{ID: env.ID, Name: env.Name, Err: err}
	}

	return nil
}

///////////////
//  INBOUND  //
///////////////

// OnMessage subscribes fn to every received string, protocol or not.
func (b *Bridge) OnMessage(fn func(raw string)) Handle {
	return b.rawSubs.Add(fn)
}

// OnCall subscribes fn to every received envelope that is not a reply.
func (b *Bridge) OnCall(fn func(env envelope.Envelope)) Handle {
	return b.callSubs.Add(fn)
}

// Unsubscribe removes the subscription with the given handle.
func (b *Bridge) Unsubscribe(h Handle) bool {
	return b.rawSubs.Remove(h) || b.callSubs.Remove(h)
}

// Receive queues a string received from the peer. It can be called
// from any goroutine and it blocks while the queue is full.
func (b *Bridge) Receive(ctx context.Context, raw string) error {
	if b.isClosed.Load() {
		return ErrClosed
	}

	frame := message.NewFrame(raw)
	frame.SaveSpan(trace.SpanFromContext(ctx))

	if err := b.inbound.Write(frame); err != nil {
		if errors.Is(err, connector.ErrClosed) {
			return ErrClosed
		}
		return err
	}

	return nil
}

// receive is the transport receiver.
func (b *Bridge) receive(ctx context.Context, raw string) {
	if err := b.Receive(ctx, raw); err != nil {
		b.tel.LogWarn("dropping received message", "size", len(raw), "reason", err)
	}
}

// Dispatch processes a received string right away on the calling goroutine.
// It must not run concurrently with Run or Drain.
func (b *Bridge) Dispatch(ctx context.Context, raw string) {
	b.dispatch(ctx, message.NewFrame(raw))
}

func (b *Bridge) dispatch(ctx context.Context, frame *message.Frame) {
	ctx, span := b.tel.NewTrace(frame.LoadSpanContext(ctx), "dispatch message")
	defer span.End()

	b.metrics.receivedMessages.Add(1)

	raw := frame.Raw()

	// Raw subscribers see everything, before any decoding
	b.rawSubs.Notify(raw)

	env, err := b.codec.Decode(raw)
	if err != nil {
		if errors.Is(err, envelope.ErrNotProtocolMessage) {
			b.metrics.plainMessages.Add(1)
			return
		}

		span.RecordError(err)
		b.metrics.decodeErrors.Add(1)
		b.tel.LogDebug("dropping malformed envelope", "error", err)
		return
	}

	span.SetAttributes(
		attribute.Int64("id", env.ID),
		attribute.String("seq", env.Seq.String()),
		attribute.String("name", env.Name),
	)

	if env.IsReply() {
		b.resolve(ctx, env, frame.GetReceiveTime())
		return
	}

	b.metrics.dispatchedCalls.Add(1)
	b.callSubs.Notify(env)
}

func (b *Bridge) resolve(ctx context.Context, env envelope.Envelope, receiveTime time.Time) {
	pending, ok := b.table.Resolve(env.ID)
	if !ok {
		b.metrics.unmatchedReplies.Add(1)
		b.tel.LogDebug("dropping unmatched reply", "envelope", env)
		return
	}

	b.metrics.resolvedReplies.Add(1)
	b.replyLatency.Record(ctx, float64(receiveTime.Sub(pending.SentAt).Microseconds())/1000)

	if pending.Reply != nil {
		pending.Reply(env.Data)
	}
}

// sweep drops the requests waiting for longer than the reply timeout.
func (b *Bridge) sweep(now time.Time) {
	if b.cfg.ReplyTimeout <= 0 || now.Sub(b.lastSweep) < b.cfg.SweepInterval {
		return
	}
	b.lastSweep = now

	for _, pending := range b.table.Expire(now, b.cfg.ReplyTimeout) {
		b.metrics.expiredRequests.Add(1)
		b.tel.LogWarn("reply timed out, dropping request",
			"id", pending.ID, "name", pending.Name, "sent_at", pending.SentAt)
	}
}

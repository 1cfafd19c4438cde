package msgbridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FerroO2000/msgbridge/envelope"
	"github.com/FerroO2000/msgbridge/internal/config"
	"github.com/FerroO2000/msgbridge/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errPeerGone = errors.New("peer gone")

// recordingTransport stores the delivered strings.
type recordingTransport struct {
	mux       sync.Mutex
	delivered []string
	failWith  error
	isClosed  bool

	receiver transport.Receiver
}

func (rt *recordingTransport) Init(_ context.Context) error { return nil }

func (rt *recordingTransport) Run(ctx context.Context) { <-ctx.Done() }

func (rt *recordingTransport) Close() {
	rt.mux.Lock()
	defer rt.mux.Unlock()
	rt.isClosed = true
}

func (rt *recordingTransport) Deliver(_ context.Context, s string) error {
	rt.mux.Lock()
	defer rt.mux.Unlock()

	if rt.failWith != nil {
		return rt.failWith
	}

	rt.delivered = append(rt.delivered, s)
	return nil
}

func (rt *recordingTransport) SetReceiver(r transport.Receiver) {
	rt.receiver = r
}

func (rt *recordingTransport) last(t *testing.T) string {
	t.Helper()

	rt.mux.Lock()
	defer rt.mux.Unlock()

	require.NotEmpty(t, rt.delivered)
	return rt.delivered[len(rt.delivered)-1]
}

func (rt *recordingTransport) lastEnvelope(t *testing.T) envelope.Envelope {
	t.Helper()

	env, err := envelope.Decode(rt.last(t))
	require.NoError(t, err)
	return env
}

func newTestBridge(t *testing.T, cfg *Config) (*Bridge, *recordingTransport) {
	t.Helper()

	tr := &recordingTransport{}
	b := NewBridge(tr, cfg)
	require.NoError(t, b.Init(t.Context()))

	t.Cleanup(b.Close)

	return b, tr
}

func Test_Bridge_Send(t *testing.T) {
	assert := assert.New(t)

	b, tr := newTestBridge(t, nil)

	require.NoError(t, b.Send(t.Context(), "ping", ""))

	env := tr.lastEnvelope(t)
	assert.Equal(int64(0), env.ID)
	assert.Equal(envelope.SequenceNone, env.Seq)
	assert.Equal("ping", env.Name)
	assert.Empty(env.Data)

	assert.Zero(b.Pending())
	assert.Equal(int64(1), b.metrics.sentMessages.Load())
}

func Test_Bridge_SendWithReply(t *testing.T) {
	assert := assert.New(t)

	b, tr := newTestBridge(t, nil)

	var replies []string
	id, err := b.SendWithReply(t.Context(), "add", `{"a":2,"b":3}`, func(data string) {
		replies = append(replies, data)
	})
	require.NoError(t, err)

	assert.Equal(int64(1), id)
	assert.Equal(1, b.Pending())

	// The continuation never runs from the send itself
	assert.Empty(replies)

	env := tr.lastEnvelope(t)
	assert.Equal(id, env.ID)
	assert.Equal(envelope.SequenceStart, env.Seq)
	assert.Equal("add", env.Name)
	assert.Equal(`{"a":2,"b":3}`, env.Data)

	reply := `@UnityMessage@{"id":1,"seq":"end","name":"add","data":"5"}`
	b.Dispatch(t.Context(), reply)

	assert.Equal([]string{"5"}, replies)
	assert.Zero(b.Pending())

	// A duplicated reply is not delivered twice
	b.Dispatch(t.Context(), reply)

	assert.Equal([]string{"5"}, replies)
	assert.Equal(int64(1), b.metrics.resolvedReplies.Load())
	assert.Equal(int64(1), b.metrics.unmatchedReplies.Load())
}

func Test_Bridge_UniqueIDs(t *testing.T) {
	b, _ := newTestBridge(t, nil)

	const calls = 64

	var wg sync.WaitGroup
	ids := make(chan int64, calls)
	for range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()

			id, err := b.SendWithReply(t.Context(), "op", "", nil)
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.Positive(t, id)
		assert.False(t, seen[id], "id %d allocated twice", id)
		seen[id] = true
	}

	assert.Len(t, seen, calls)
	assert.Equal(t, calls, b.Pending())
}

func Test_Bridge_ReplyToCall(t *testing.T) {
	assert := assert.New(t)

	b, tr := newTestBridge(t, nil)

	var calls []envelope.Envelope
	b.OnCall(func(env envelope.Envelope) {
		calls = append(calls, env)
		assert.NoError(b.Reply(t.Context(), env, `"hi bob"`))
	})

	b.Dispatch(t.Context(), `@UnityMessage@{"id":7,"seq":"start","name":"greet","data":"\"bob\""}`)

	require.Len(t, calls, 1)
	assert.Equal("greet", calls[0].Name)
	assert.Equal(`"bob"`, calls[0].Data)

	assert.Equal(`@UnityMessage@{"id":7,"seq":"end","name":"greet","data":"\"hi bob\""}`, tr.last(t))
	assert.Equal(int64(1), b.metrics.sentReplies.Load())
}

func Test_Bridge_ReplyNotACall(t *testing.T) {
	b, tr := newTestBridge(t, nil)

	err := b.Reply(t.Context(), envelope.Envelope{ID: 3, Name: "notify"}, "")
	assert.ErrorIs(t, err, ErrNotACall)

	err = b.Reply(t.Context(), envelope.Envelope{ID: 3, Seq: envelope.SequenceEnd, Name: "done"}, "")
	assert.ErrorIs(t, err, ErrNotACall)

	assert.Empty(t, tr.delivered)
}

func Test_Bridge_UnmatchedReply(t *testing.T) {
	assert := assert.New(t)

	b, _ := newTestBridge(t, nil)

	_, err := b.SendWithReply(t.Context(), "op", "", func(string) {
		t.Error("unexpected reply")
	})
	require.NoError(t, err)

	var raw []string
	b.OnMessage(func(s string) { raw = append(raw, s) })
	b.OnCall(func(envelope.Envelope) { t.Error("a reply must not reach the call subscribers") })

	unmatched := `@UnityMessage@{"id":99,"seq":"end","name":"op","data":"x"}`
	assert.NotPanics(func() { b.Dispatch(t.Context(), unmatched) })

	assert.Equal([]string{unmatched}, raw)
	assert.Equal(1, b.Pending())
	assert.Equal(int64(1), b.metrics.unmatchedReplies.Load())
}

func Test_Bridge_NonProtocolMessages(t *testing.T) {
	assert := assert.New(t)

	b, _ := newTestBridge(t, nil)

	var order []string
	b.OnMessage(func(s string) { order = append(order, "raw:"+s) })
	b.OnCall(func(env envelope.Envelope) { order = append(order, "call:"+env.Name) })

	b.Dispatch(t.Context(), "hello")
	b.Dispatch(t.Context(), "@UnityMessage@{not json")
	b.Dispatch(t.Context(), `@UnityMessage@{"id":0,"seq":"","name":"tick","data":""}`)

	assert.Equal([]string{
		"raw:hello",
		"raw:@UnityMessage@{not json",
		`raw:@UnityMessage@{"id":0,"seq":"","name":"tick","data":""}`,
		"call:tick",
	}, order)

	assert.Equal(int64(3), b.metrics.receivedMessages.Load())
	assert.Equal(int64(1), b.metrics.plainMessages.Load())
	assert.Equal(int64(1), b.metrics.decodeErrors.Load())
	assert.Equal(int64(1), b.metrics.dispatchedCalls.Load())
}

func Test_Bridge_Unsubscribe(t *testing.T) {
	assert := assert.New(t)

	b, _ := newTestBridge(t, nil)

	rawCount, callCount := 0, 0
	rawHandle := b.OnMessage(func(string) { rawCount++ })
	callHandle := b.OnCall(func(envelope.Envelope) { callCount++ })
	assert.NotEqual(rawHandle, callHandle)

	msg := `@UnityMessage@{"id":0,"seq":"","name":"tick","data":""}`
	b.Dispatch(t.Context(), msg)

	assert.True(b.Unsubscribe(callHandle))
	assert.False(b.Unsubscribe(callHandle))

	b.Dispatch(t.Context(), msg)

	assert.True(b.Unsubscribe(rawHandle))

	b.Dispatch(t.Context(), msg)

	assert.Equal(2, rawCount)
	assert.Equal(1, callCount)
}

func Test_Bridge_SendRaw(t *testing.T) {
	b, tr := newTestBridge(t, nil)

	require.NoError(t, b.SendRaw(t.Context(), "plain text"))
	assert.Equal(t, "plain text", tr.last(t))
}

func Test_Bridge_DeliveryFailure(t *testing.T) {
	assert := assert.New(t)

	b, tr := newTestBridge(t, nil)
	tr.failWith = errPeerGone

	called := false
	id, err := b.SendWithReply(t.Context(), "op", "", func(string) { called = true })

	var deliveryErr *DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.ErrorIs(err, errPeerGone)
	assert.Equal(id, deliveryErr.ID)
	assert.Equal("op", deliveryErr.Name)

	// The request stays registered until cancelled
	assert.Equal(1, b.Pending())
	assert.True(b.Cancel(id))
	assert.False(b.Cancel(id))
	assert.Zero(b.Pending())

	b.Dispatch(t.Context(), `@UnityMessage@{"id":1,"seq":"end","name":"op","data":""}`)
	assert.False(called)

	assert.ErrorIs(b.Send(t.Context(), "ping", ""), errPeerGone)
	assert.ErrorIs(b.SendRaw(t.Context(), "plain"), errPeerGone)
	assert.Equal(int64(3), b.metrics.deliveryFailures.Load())
}

func Test_Bridge_Close(t *testing.T) {
	assert := assert.New(t)

	tr := &recordingTransport{}
	b := NewBridge(tr, nil)
	require.NoError(t, b.Init(t.Context()))

	_, err := b.SendWithReply(t.Context(), "op", "", func(string) {
		t.Error("abandoned continuation invoked")
	})
	require.NoError(t, err)

	b.Close()
	b.Close()

	assert.True(tr.isClosed)
	assert.Zero(b.Pending())
	assert.Equal(int64(1), b.metrics.abandonedRequests.Load())

	assert.ErrorIs(b.Send(t.Context(), "ping", ""), ErrClosed)
	assert.ErrorIs(b.SendRaw(t.Context(), "plain"), ErrClosed)
	assert.ErrorIs(b.Reply(t.Context(), envelope.Envelope{ID: 1, Seq: envelope.SequenceStart}, ""), ErrClosed)
	assert.ErrorIs(b.Receive(t.Context(), "late"), ErrClosed)

	_, err = b.SendWithReply(t.Context(), "op", "", nil)
	assert.ErrorIs(err, ErrClosed)

	// Run returns right away on a closed bridge
	done := make(chan struct{})
	go func() {
		b.Run(t.Context())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func Test_Bridge_Drain(t *testing.T) {
	assert := assert.New(t)

	b, tr := newTestBridge(t, nil)

	var raw []string
	b.OnMessage(func(s string) { raw = append(raw, s) })

	// Strings coming from the transport are queued until drained
	tr.receiver(t.Context(), "one")
	tr.receiver(t.Context(), "two")
	require.NoError(t, b.Receive(t.Context(), "three"))

	assert.Empty(raw)

	assert.Equal(2, b.Drain(t.Context(), 2))
	assert.Equal([]string{"one", "two"}, raw)

	assert.Equal(1, b.Drain(t.Context(), 0))
	assert.Equal(0, b.Drain(t.Context(), 0))
	assert.Equal([]string{"one", "two", "three"}, raw)
}

func Test_Bridge_ReplyTimeout(t *testing.T) {
	assert := assert.New(t)

	cfg := NewConfig()
	cfg.ReplyTimeout = 10 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond

	b, _ := newTestBridge(t, cfg)

	called := false
	id, err := b.SendWithReply(t.Context(), "slow", "", func(string) { called = true })
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	b.Drain(t.Context(), 0)

	assert.Zero(b.Pending())
	assert.Equal(int64(1), b.metrics.expiredRequests.Load())

	// The late reply is unmatched
	late, err := envelope.Encode(envelope.Envelope{ID: id, Seq: envelope.SequenceEnd, Name: "slow"})
	require.NoError(t, err)
	b.Dispatch(t.Context(), late)

	assert.False(called)
}

func Test_Bridge_ReplyTimeout_IdleRun(t *testing.T) {
	cfg := NewConfig()
	cfg.ReplyTimeout = 20 * time.Millisecond
	cfg.SweepInterval = 5 * time.Millisecond

	b, _ := newTestBridge(t, cfg)

	var called atomic.Bool
	_, err := b.SendWithReply(t.Context(), "slow", "", func(string) { called.Store(true) })
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	// Nothing is received, the sweep is driven by the deadline alone
	assert.Eventually(t, func() bool {
		return b.metrics.expiredRequests.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Pending())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}

	assert.False(t, called.Load())
}

func Test_Bridge_CustomPrefix(t *testing.T) {
	assert := assert.New(t)

	cfg := NewConfig()
	cfg.Prefix = "#msg#"

	b, tr := newTestBridge(t, cfg)
	assert.Equal("#msg#", b.Prefix())

	require.NoError(t, b.Send(t.Context(), "ping", ""))
	assert.Equal(`#msg#{"id":0,"seq":"","name":"ping","data":""}`, tr.last(t))

	calls := 0
	b.OnCall(func(envelope.Envelope) { calls++ })

	b.Dispatch(t.Context(), `@UnityMessage@{"id":0,"seq":"","name":"ping","data":""}`)
	assert.Zero(calls)

	b.Dispatch(t.Context(), `#msg#{"id":0,"seq":"","name":"ping","data":""}`)
	assert.Equal(1, calls)
}

func Test_Bridge_TypedHelpers(t *testing.T) {
	assert := assert.New(t)

	type operands struct {
		A int `json:"a"`
		B int `json:"b"`
	}

	b, tr := newTestBridge(t, nil)

	var (
		sum    int
		sumErr error
	)
	id, err := CallValue(t.Context(), b, "add", operands{A: 2, B: 3}, func(v int, err error) {
		sum, sumErr = v, err
	})
	require.NoError(t, err)

	call := tr.lastEnvelope(t)
	args, err := envelope.DecodeData[operands](call.Data)
	require.NoError(t, err)
	assert.Equal(operands{A: 2, B: 3}, args)

	reply, err := envelope.Encode(call.Reply("5"))
	require.NoError(t, err)
	b.Dispatch(t.Context(), reply)

	assert.NoError(sumErr)
	assert.Equal(5, sum)

	// A payload of the wrong shape reports an error
	_, err = CallValue(t.Context(), b, "add", operands{}, func(v int, err error) {
		sumErr = err
	})
	require.NoError(t, err)

	bad, err := envelope.Encode(tr.lastEnvelope(t).Reply(`"five"`))
	require.NoError(t, err)
	b.Dispatch(t.Context(), bad)
	assert.Error(sumErr)

	require.NoError(t, b.SendValue(t.Context(), "score", map[string]int{"points": 10}))
	assert.Equal(`{"points":10}`, tr.lastEnvelope(t).Data)

	inbound := envelope.Envelope{ID: id + 10, Seq: envelope.SequenceStart, Name: "getName"}
	require.NoError(t, b.ReplyValue(t.Context(), inbound, "bob"))

	out := tr.lastEnvelope(t)
	assert.Equal(inbound.ID, out.ID)
	assert.Equal(`"bob"`, out.Data)
}

func Test_Bridge_CloseWhileSending(t *testing.T) {
	for range 50 {
		b := NewBridge(&recordingTransport{}, nil)
		require.NoError(t, b.Init(t.Context()))

		var wg sync.WaitGroup
		for range 8 {
			wg.Go(func() {
				for range 20 {
					id, err := b.SendWithReply(t.Context(), "op", "", func(string) {})
					if err != nil {
						assert.ErrorIs(t, err, ErrClosed)
						assert.Zero(t, id)
					}
				}
			})
		}

		b.Close()
		wg.Wait()

		assert.Zero(t, b.Pending())
	}
}

func Test_Bridge_SendWithReply_InvalidText(t *testing.T) {
	assert := assert.New(t)

	b, tr := newTestBridge(t, nil)

	id, err := b.SendWithReply(t.Context(), "bin", "\xff\xfe", func(string) {})
	assert.ErrorIs(err, envelope.ErrInvalidText)
	assert.Zero(id)
	assert.Zero(b.Pending())
	assert.Empty(tr.delivered)
}

func Test_Bridge_Config(t *testing.T) {
	tr := &recordingTransport{}
	b := NewBridge(tr, &Config{InboundQueueSize: 100, ReplyTimeout: -time.Second})

	assert.Equal(t, DefaultConfigPrefix, b.cfg.Prefix)
	assert.Equal(t, uint64(128), b.cfg.InboundQueueSize)
	assert.Equal(t, time.Duration(0), b.cfg.ReplyTimeout)
	assert.Equal(t, DefaultConfigSweepInterval, b.cfg.SweepInterval)
}

func Test_Config_HugeQueueSize(t *testing.T) {
	cfg := NewConfig()
	cfg.InboundQueueSize = 1<<63 + 1

	ac := config.NewAnomalyCollector()
	cfg.Validate(ac)

	assert.Equal(t, uint64(MaxConfigInboundQueueSize), cfg.InboundQueueSize)
	assert.Equal(t, 1, ac.Len())
}

func Test_Bridge_EndToEnd(t *testing.T) {
	assert := assert.New(t)

	engineSide, hostSide := transport.NewMemoryPair(nil)

	engine := NewBridge(engineSide, nil)
	host := NewBridge(hostSide, nil)

	host.OnCall(func(env envelope.Envelope) {
		if env.IsCall() {
			assert.NoError(host.Reply(t.Context(), env, env.Data))
		}
	})

	notifications := make(chan string, 1)
	host.OnCall(func(env envelope.Envelope) {
		if !env.IsCall() {
			notifications <- env.Name
		}
	})

	pipeline := NewPipeline(engineSide, hostSide, engine, host)
	require.NoError(t, pipeline.Init(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	pipeline.Run(ctx)
	defer func() {
		cancel()
		pipeline.Close()
	}()

	require.NoError(t, engine.Send(t.Context(), "ready", ""))

	select {
	case name := <-notifications:
		assert.Equal("ready", name)
	case <-time.After(5 * time.Second):
		t.Fatal("notification not received")
	}

	callCtx, callCancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer callCancel()

	for _, payload := range []string{"one", `{"nested":"json"}`, ""} {
		reply, err := engine.Call(callCtx, "echo", payload)
		require.NoError(t, err)
		assert.Equal(payload, reply)
	}

	assert.Zero(engine.Pending())
}

func Test_Bridge_CallTimeout(t *testing.T) {
	b, _ := newTestBridge(t, nil)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Call(ctx, "nobody", "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, b.Pending())
}

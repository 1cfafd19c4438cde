package msgbridge

import (
	"context"

	"github.com/FerroO2000/msgbridge/envelope"
)

// SendValue encodes v as the payload of a fire-and-forget message.
func (b *Bridge) SendValue(ctx context.Context, name string, v any) error {
	data, err := envelope.EncodeData(v)
	if err != nil {
		return err
	}

	return b.Send(ctx, name, data)
}

// ReplyValue encodes v as the payload of the reply to call.
func (b *Bridge) ReplyValue(ctx context.Context, call envelope.Envelope, v any) error {
	data, err := envelope.EncodeData(v)
	if err != nil {
		return err
	}

	return b.Reply(ctx, call, data)
}

// Typed adapts fn into a ReplyFunc that decodes the reply payload into T.
// A payload that cannot be decoded is reported through the error argument.
func Typed[T any](fn func(value T, err error)) ReplyFunc {
	return func(data string) {
		fn(envelope.DecodeData[T](data))
	}
}

// CallValue encodes v as the payload of a call whose reply is decoded into T.
func CallValue[T any](ctx context.Context, b *Bridge, name string, v any, fn func(value T, err error)) (int64, error) {
	data, err := envelope.EncodeData(v)
	if err != nil {
		return 0, err
	}

	return b.SendWithReply(ctx, name, data, Typed(fn))
}

// Call sends a call and waits for its reply payload. If the context
// is done first, the request is cancelled and the context error is returned.
//
// The reply is dispatched by Run or Drain, so Call must not be used
// from the dispatching goroutine.
func (b *Bridge) Call(ctx context.Context, name, data string) (string, error) {
	replyCh := make(chan string, 1)

	id, err := b.SendWithReply(ctx, name, data, func(reply string) {
		replyCh <- reply
	})
	if err != nil {
		if id != 0 {
			b.Cancel(id)
		}
		return "", err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		b.Cancel(id)
		return "", ctx.Err()
	}
}

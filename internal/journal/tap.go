package journal

import (
	"context"

	"github.com/FerroO2000/msgbridge/transport"
)

var _ transport.Transport = (*tap)(nil)

// tap is a transport recording what passes through the wrapped one.
type tap struct {
	transport.Transport

	j *Journal
}

// Tap wraps tr so that every delivered and received string is recorded.
// Recording failures are logged and never affect the traffic.
func (j *Journal) Tap(tr transport.Transport) transport.Transport {
	return &tap{
		Transport: tr,
		j:         j,
	}
}

func (t *tap) Deliver(ctx context.Context, s string) error {
	if err := t.Transport.Deliver(ctx, s); err != nil {
		return err
	}

	t.record(ctx, DirectionOut, s)
	return nil
}

func (t *tap) SetReceiver(r transport.Receiver) {
	if r == nil {
		t.Transport.SetReceiver(nil)
		return
	}

	t.Transport.SetReceiver(func(ctx context.Context, raw string) {
		t.record(ctx, DirectionIn, raw)
		r(ctx, raw)
	})
}

func (t *tap) record(ctx context.Context, dir Direction, raw string) {
	if err := t.j.Record(ctx, dir, raw); err != nil {
		t.j.tel.LogError("failed to record entry", err, "direction", string(dir))
	}
}

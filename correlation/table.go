// Package correlation keeps track of the outbound requests
// that are waiting for a reply.
package correlation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrDuplicateID is returned when registering an id that is already pending.
	ErrDuplicateID = errors.New("correlation: id already registered")

	// ErrInvalidID is returned when registering the reserved id 0.
	ErrInvalidID = errors.New("correlation: invalid id")
)

// ReplyFunc consumes the payload of a reply. It is called at most once.
type ReplyFunc func(data string)

// Pending is an outbound request waiting for its reply.
type Pending struct {
	// ID is the correlation id.
	ID int64
	// Name and Data are the ones of the request, kept for diagnostics.
	Name string
	Data string
	// Reply is the continuation invoked with the reply payload.
	Reply ReplyFunc
	// SentAt is the time the request was registered.
	SentAt time.Time
}

// Table maps correlation ids to pending requests.
// Every operation is a single atomic step, the table is safe
// for concurrent use.
type Table struct {
	mux sync.Mutex

	lastID  int64
	pending map[int64]*Pending
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		pending: make(map[int64]*Pending),
	}
}

// AllocateID returns a fresh id. Ids start at 1 and are strictly increasing,
// an id that is still pending is never returned.
func (t *Table) AllocateID() int64 {
	t.mux.Lock()
	defer t.mux.Unlock()

	for {
		t.lastID++
		// Wrap around without ever handing out 0, which tags fire-and-forget messages
		if t.lastID <= 0 {
			t.lastID = 1
		}

		if _, ok := t.pending[t.lastID]; !ok {
			return t.lastID
		}
	}
}

// Register stores the pending request under the given id.
func (t *Table) Register(id int64, p *Pending) error {
	if id == 0 {
		return ErrInvalidID
	}

	t.mux.Lock()
	defer t.mux.Unlock()

	if _, ok := t.pending[id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}

	p.ID = id
	if p.SentAt.IsZero() {
		p.SentAt = time.Now()
	}

	t.pending[id] = p

	return nil
}

// Resolve removes and returns the request registered under id.
// Unknown ids (already resolved, never registered or from another process)
// return false.
func (t *Table) Resolve(id int64) (*Pending, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return nil, false
	}

	delete(t.pending, id)

	return p, true
}

// Cancel drops the request registered under id without invoking it.
func (t *Table) Cancel(id int64) bool {
	_, ok := t.Resolve(id)
	return ok
}

// Expire removes the requests registered for longer than ttl
// and returns them. Their continuations are not invoked.
func (t *Table) Expire(now time.Time, ttl time.Duration) []*Pending {
	t.mux.Lock()
	defer t.mux.Unlock()

	var expired []*Pending
	for id, p := range t.pending {
		if now.Sub(p.SentAt) >= ttl {
			expired = append(expired, p)
			delete(t.pending, id)
		}
	}

	return expired
}

// Abandon drops every pending request without invoking them
// and returns how many were dropped.
func (t *Table) Abandon() int {
	t.mux.Lock()
	defer t.mux.Unlock()

	count := len(t.pending)
	clear(t.pending)

	return count
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mux.Lock()
	defer t.mux.Unlock()

	return len(t.pending)
}

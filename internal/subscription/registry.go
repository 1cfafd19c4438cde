// Package subscription provides an ordered multicast registry
// of callbacks identified by handles.
package subscription

import (
	"sync"
	"sync/atomic"
)

// Handle identifies a registered callback. Handles are never reused.
type Handle uint64

// HandleSource generates handles. Registries sharing a source
// never hand out the same handle.
type HandleSource struct {
	last atomic.Uint64
}

func (hs *HandleSource) next() Handle {
	return Handle(hs.last.Add(1))
}

type entry[T any] struct {
	handle Handle
	fn     func(T)
}

// Registry holds callbacks and notifies them in insertion order.
// It is safe for concurrent use.
type Registry[T any] struct {
	mux sync.RWMutex

	handles *HandleSource
	entries []entry[T]
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return NewSharedRegistry[T](&HandleSource{})
}

// NewSharedRegistry returns an empty registry taking its handles from src.
func NewSharedRegistry[T any](src *HandleSource) *Registry[T] {
	return &Registry[T]{
		handles: src,
	}
}

// Add registers fn and returns its handle. A nil fn is ignored
// and the zero handle is returned.
func (r *Registry[T]) Add(fn func(T)) Handle {
	if fn == nil {
		return 0
	}

	r.mux.Lock()
	defer r.mux.Unlock()

	h := r.handles.next()
	r.entries = append(r.entries, entry[T]{handle: h, fn: fn})

	return h
}

// Remove unregisters the callback with the given handle.
func (r *Registry[T]) Remove(h Handle) bool {
	r.mux.Lock()
	defer r.mux.Unlock()

	for idx, e := range r.entries {
		if e.handle != h {
			continue
		}

		// Copy on removal, a notify in progress keeps its own snapshot
		entries := make([]entry[T], 0, len(r.entries)-1)
		entries = append(entries, r.entries[:idx]...)
		r.entries = append(entries, r.entries[idx+1:]...)

		return true
	}

	return false
}

// Notify calls every registered callback with value, in insertion order.
// Callbacks added or removed while notifying do not affect the current call.
func (r *Registry[T]) Notify(value T) {
	r.mux.RLock()
	entries := r.entries
	r.mux.RUnlock()

	for _, e := range entries {
		e.fn(value)
	}
}

// Len returns the number of registered callbacks.
func (r *Registry[T]) Len() int {
	r.mux.RLock()
	defer r.mux.RUnlock()

	return len(r.entries)
}

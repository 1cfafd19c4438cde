// Package connector contains the queues used to hand items over
// from one goroutine to another.
package connector

import (
	"context"

	"github.com/FerroO2000/msgbridge/internal/rb"
)

// ErrClosed is returned when the connector is closed.
var ErrClosed = rb.ErrClosed

// Connector is a bounded queue with blocking reads and writes.
type Connector[T any] interface {
	// Write pushes an item, blocking while the connector is full.
	Write(item T) error
	// TryWrite pushes an item without blocking.
	TryWrite(item T) bool
	// Read pops an item, blocking while the connector is empty.
	Read(ctx context.Context) (T, error)
	// TryRead pops an item without blocking.
	TryRead() (T, bool)
	// Len returns the number of queued items.
	Len() uint64
	// Close closes the connector. Queued items can still be read.
	Close()
}

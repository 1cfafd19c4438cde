// Package rb provides a bounded lock-free generic ring buffer
// with single or multiple producers and a single consumer.
package rb

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

var maxSpins = runtime.NumCPU() * 32

// ErrClosed is returned when the buffer is closed.
var ErrClosed = errors.New("ring buffer: buffer is closed")

// BufferKind is the type of the internal buffer implementation.
type BufferKind uint8

const (
	// BufferKindSPSC is the single producer/single consumer implementation.
	BufferKindSPSC BufferKind = iota
	// BufferKindMPSC is the multiple producer/single consumer implementation.
	BufferKindMPSC
)

func (bk BufferKind) String() string {
	switch bk {
	case BufferKindSPSC:
		return "SPSC"
	case BufferKindMPSC:
		return "MPSC"
	default:
		return "unknown"
	}
}

type buffer[T any] interface {
	push(item T) bool
	pop() (T, bool)
	len() uint64
	cap() uint64
}

// RingBuffer is a bounded lock-free generic ring buffer.
// Writes block while the buffer is full, reads block while it is empty.
type RingBuffer[T any] struct {
	kind BufferKind

	_ cpu.CacheLinePad

	impl buffer[T]

	_ cpu.CacheLinePad

	isClosed atomic.Bool
	closed   chan struct{}

	// notEmpty and notFull carry at most one pending wake-up each
	notEmpty chan struct{}
	notFull  chan struct{}
}

// NewRingBuffer returns a new ring buffer of the given kind.
// The capacity is rounded up to the next power of 2.
func NewRingBuffer[T any](capacity uint64, kind BufferKind) *RingBuffer[T] {
	rb := &RingBuffer[T]{
		kind: kind,

		closed:   make(chan struct{}),
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
	}

	parsedCapacity := roundToPowerOf2(capacity)

	switch kind {
	case BufferKindMPSC:
		rb.impl = newMPSCBuffer[T](parsedCapacity)
	default:
		rb.kind = BufferKindSPSC
		rb.impl = newSPSCBuffer[T](parsedCapacity)
	}

	return rb
}

// Kind returns the kind of the buffer.
func (rb *RingBuffer[T]) Kind() BufferKind {
	return rb.kind
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Write pushes an item into the buffer, blocking while it is full.
// It returns ErrClosed if the buffer is (or gets) closed.
func (rb *RingBuffer[T]) Write(item T) error {
	for spins := 0; ; spins++ {
		if rb.isClosed.Load() {
			return ErrClosed
		}

		if rb.impl.push(item) {
			signal(rb.notEmpty)

			// Wake up the next waiting producer, if there is still room
			if rb.impl.len() < rb.impl.cap() {
				signal(rb.notFull)
			}

			return nil
		}

		if spins < maxSpins {
			runtime.Gosched()
			continue
		}

		select {
		case <-rb.notFull:
		case <-rb.closed:
			return ErrClosed
		}
	}
}

// TryWrite pushes an item without blocking.
// It returns false if the buffer is full or closed.
func (rb *RingBuffer[T]) TryWrite(item T) bool {
	if rb.isClosed.Load() {
		return false
	}

	if !rb.impl.push(item) {
		return false
	}

	signal(rb.notEmpty)
	return true
}

// Read pops an item from the buffer, blocking while it is empty.
// The items still in the buffer are returned even after it is closed,
// ErrClosed is only returned once the buffer is drained.
func (rb *RingBuffer[T]) Read(ctx context.Context) (T, error) {
	for spins := 0; ; spins++ {
		if item, ok := rb.TryRead(); ok {
			return item, nil
		}

		if rb.isClosed.Load() {
			// A last look, a writer may have raced with Close
			if item, ok := rb.TryRead(); ok {
				return item, nil
			}
			return *new(T), ErrClosed
		}

		if spins < maxSpins {
			runtime.Gosched()
			continue
		}

		select {
		case <-rb.notEmpty:
		case <-rb.closed:
		case <-ctx.Done():
			return *new(T), ctx.Err()
		}
	}
}

// TryRead pops an item without blocking.
func (rb *RingBuffer[T]) TryRead() (T, bool) {
	item, ok := rb.impl.pop()
	if ok {
		signal(rb.notFull)
	}
	return item, ok
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() uint64 {
	return rb.impl.cap()
}

// Len returns the number of items in the buffer.
func (rb *RingBuffer[T]) Len() uint64 {
	return rb.impl.len()
}

// IsClosed states whether the buffer is closed.
func (rb *RingBuffer[T]) IsClosed() bool {
	return rb.isClosed.Load()
}

// Close closes the buffer. Blocked readers and writers are woken up.
func (rb *RingBuffer[T]) Close() {
	if !rb.isClosed.CompareAndSwap(false, true) {
		return
	}

	close(rb.closed)
}

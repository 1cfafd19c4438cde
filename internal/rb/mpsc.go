package rb

import (
	"runtime"
)

// mpscBuffer accepts pushes from any number of goroutines,
// but pops must come from a single consumer.
type mpscBuffer[T any] struct {
	*cursors

	buffer []slot[T]
}

func newMPSCBuffer[T any](capacity uint64) *mpscBuffer[T] {
	return &mpscBuffer[T]{
		cursors: newCursors(capacity),

		buffer: make([]slot[T], capacity),
	}
}

func (b *mpscBuffer[T]) push(item T) bool {
	for {
		head := b.head.Load()
		tail := b.tail.Load()

		if head-tail >= b.capacity {
			return false
		}

		s := &b.buffer[head&b.mask]

		// The consumer has not released the slot yet
		if s.ready.Load() {
			runtime.Gosched()
			continue
		}

		// Claim the slot, another producer may have been faster
		if !b.head.CompareAndSwap(head, head+1) {
			continue
		}

		s.data = item
		s.ready.Store(true)

		return true
	}
}

func (b *mpscBuffer[T]) pop() (T, bool) {
	var zero T

	tail := b.tail.Load()
	s := &b.buffer[tail&b.mask]

	// A slot may be claimed but not yet written,
	// in that case the item is not visible yet
	if !s.ready.Load() {
		return zero, false
	}

	item := s.data
	s.data = zero
	s.ready.Store(false)

	b.tail.Store(tail + 1)

	return item, true
}

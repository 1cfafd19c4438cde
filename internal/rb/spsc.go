package rb

// spscBuffer is only safe with one producer and one consumer.
type spscBuffer[T any] struct {
	*cursors

	buffer []T
}

func newSPSCBuffer[T any](capacity uint64) *spscBuffer[T] {
	return &spscBuffer[T]{
		cursors: newCursors(capacity),

		buffer: make([]T, capacity),
	}
}

func (b *spscBuffer[T]) push(item T) bool {
	head := b.head.Load()
	tail := b.tail.Load()

	if head-tail >= b.capacity {
		return false
	}

	b.buffer[head&b.mask] = item
	b.head.Store(head + 1)

	return true
}

func (b *spscBuffer[T]) pop() (T, bool) {
	var zero T

	head := b.head.Load()
	tail := b.tail.Load()

	if head == tail {
		return zero, false
	}

	idx := tail & b.mask
	item := b.buffer[idx]
	b.buffer[idx] = zero

	b.tail.Store(tail + 1)

	return item, true
}

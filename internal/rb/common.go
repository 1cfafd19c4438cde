package rb

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

type slot[T any] struct {
	ready atomic.Bool
	data  T
}

// cursors holds the head (next write) and tail (next read) positions.
// They are padded to avoid false sharing between producers and the consumer.
type cursors struct {
	head atomic.Uint64

	_ cpu.CacheLinePad

	tail atomic.Uint64

	_ cpu.CacheLinePad

	capacity uint64
	mask     uint64
}

func newCursors(capacity uint64) *cursors {
	return &cursors{
		capacity: capacity,
		mask:     capacity - 1,
	}
}

func (c *cursors) len() uint64 {
	tail := c.tail.Load()
	head := c.head.Load()

	if head < tail {
		return 0
	}

	return head - tail
}

func (c *cursors) cap() uint64 {
	return c.capacity
}

func roundToPowerOf2(n uint64) uint64 {
	if n < 2 {
		return 2
	}

	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++

	return n
}

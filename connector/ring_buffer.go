package connector

import (
	"github.com/FerroO2000/msgbridge/internal/rb"
)

// RingBuffer is a lock-free bounded generic ring buffer.
type RingBuffer[T any] = rb.RingBuffer[T]

var _ Connector[int] = (*RingBuffer[int])(nil)

// NewRingBuffer returns a new ring buffer with a single producer
// and a single consumer.
func NewRingBuffer[T any](capacity uint64) *RingBuffer[T] {
	return rb.NewRingBuffer[T](capacity, rb.BufferKindSPSC)
}

// NewMPSCRingBuffer returns a new ring buffer that can be written
// by any number of goroutines and read by a single one.
func NewMPSCRingBuffer[T any](capacity uint64) *RingBuffer[T] {
	return rb.NewRingBuffer[T](capacity, rb.BufferKindMPSC)
}

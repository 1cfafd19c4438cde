package rb

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_bufferImplementations(t *testing.T) {
	const (
		capacity = 128
		items    = 100_000
	)

	suite := []struct {
		kind    BufferKind
		buffer  buffer[int]
		prodNum int
	}{
		{BufferKindSPSC, newSPSCBuffer[int](capacity), 1},
		{BufferKindMPSC, newMPSCBuffer[int](capacity), 1},
		{BufferKindMPSC, newMPSCBuffer[int](capacity), 4},
		{BufferKindMPSC, newMPSCBuffer[int](capacity), 16},
	}

	for _, tCase := range suite {
		tName := fmt.Sprintf("%s-P%d", tCase.kind, tCase.prodNum)

		t.Run(tName, func(t *testing.T) {
			testBuffer(t, tCase.buffer, tCase.prodNum, items)
		})
	}
}

func testBuffer(t *testing.T, buffer buffer[int], prodNum, items int) {
	assert := assert.New(t)

	pushWg := &sync.WaitGroup{}
	pushWg.Add(prodNum)

	itemsPerProducer := items / prodNum
	for idx := range prodNum {
		go func(idx int) {
			defer pushWg.Done()

			baseVal := idx * itemsPerProducer
			for produced := 0; produced < itemsPerProducer; {
				if buffer.push(baseVal + produced) {
					produced++
				}
			}
		}(idx)
	}

	seen := make([]bool, itemsPerProducer*prodNum)
	lastPerProducer := make([]int, prodNum)
	for i := range lastPerProducer {
		lastPerProducer[i] = -1
	}

	for consumed := 0; consumed < itemsPerProducer*prodNum; {
		val, ok := buffer.pop()
		if !ok {
			continue
		}

		assert.False(seen[val], "value %d popped twice", val)
		seen[val] = true

		// Items of the same producer keep their order
		producer := val / itemsPerProducer
		assert.Greater(val, lastPerProducer[producer])
		lastPerProducer[producer] = val

		consumed++
	}

	pushWg.Wait()

	_, ok := buffer.pop()
	assert.False(ok)
	assert.Zero(buffer.len())
}

func Test_RingBuffer(t *testing.T) {
	const (
		capacity   = 1024
		totalItems = 200_000
	)

	suite := []struct {
		kind     BufferKind
		capacity uint64
		prodNum  int
	}{
		{BufferKindSPSC, capacity, 1},
		{BufferKindMPSC, capacity, 1},
		{BufferKindMPSC, capacity, 4},
		{BufferKindMPSC, 8, 8},
	}

	for _, tCase := range suite {
		tName := fmt.Sprintf("%s-C%d-P%d", tCase.kind, tCase.capacity, tCase.prodNum)

		t.Run(tName, func(t *testing.T) {
			testRingBuffer(t, tCase.kind, tCase.capacity, tCase.prodNum, totalItems)
		})
	}
}

func testRingBuffer(t *testing.T, kind BufferKind, capacity uint64, prodNum, totalItems int) {
	assert := assert.New(t)

	itemsPerProd := totalItems / prodNum

	rb := NewRingBuffer[int](capacity, kind)

	received := make([]bool, itemsPerProd*prodNum)
	var receivedCount atomic.Uint64

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)

		// The consumer reads until the buffer is closed and drained
		for {
			item, err := rb.Read(t.Context())
			if err != nil {
				assert.ErrorIs(err, ErrClosed)
				return
			}

			received[item] = true
			receivedCount.Add(1)
		}
	}()

	var producerWg sync.WaitGroup
	producerWg.Add(prodNum)
	for i := range prodNum {
		go func(producerID int) {
			defer producerWg.Done()

			base := producerID * itemsPerProd
			for j := range itemsPerProd {
				if err := rb.Write(base + j); err != nil {
					assert.NoError(err)
					return
				}
			}
		}(i)
	}

	startTime := time.Now()

	producerWg.Wait()
	rb.Close()
	<-consumerDone

	assert.Equal(uint64(itemsPerProd*prodNum), receivedCount.Load())

	missingItems := 0
	for _, ok := range received {
		if !ok {
			missingItems++
		}
	}
	assert.Zero(missingItems)

	t.Logf("Processed %d items in %v", receivedCount.Load(), time.Since(startTime))
}

func Test_RingBuffer_Capacity(t *testing.T) {
	assert := assert.New(t)

	rb := NewRingBuffer[int](100, BufferKindMPSC)
	assert.Equal(uint64(128), rb.Cap())
	assert.Equal(BufferKindMPSC, rb.Kind())

	for i := range 128 {
		assert.True(rb.TryWrite(i))
	}
	assert.False(rb.TryWrite(128))
	assert.Equal(uint64(128), rb.Len())

	item, ok := rb.TryRead()
	assert.True(ok)
	assert.Zero(item)
	assert.True(rb.TryWrite(128))
}

func Test_RingBuffer_ReadContext(t *testing.T) {
	rb := NewRingBuffer[string](4, BufferKindSPSC)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := rb.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_RingBuffer_Close(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	rb := NewRingBuffer[string](4, BufferKindMPSC)
	require.NoError(rb.Write("a"))
	require.NoError(rb.Write("b"))

	rb.Close()
	rb.Close()
	assert.True(rb.IsClosed())

	assert.ErrorIs(rb.Write("c"), ErrClosed)
	assert.False(rb.TryWrite("c"))

	// Pending items are still delivered after close
	item, err := rb.Read(t.Context())
	require.NoError(err)
	assert.Equal("a", item)

	item, err = rb.Read(t.Context())
	require.NoError(err)
	assert.Equal("b", item)

	_, err = rb.Read(t.Context())
	assert.ErrorIs(err, ErrClosed)
}

func Test_RingBuffer_CloseWakesWriter(t *testing.T) {
	rb := NewRingBuffer[int](2, BufferKindSPSC)
	require.NoError(t, rb.Write(1))
	require.NoError(t, rb.Write(2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- rb.Write(3)
	}()

	time.Sleep(10 * time.Millisecond)
	rb.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("blocked writer was not woken up")
	}
}

func Benchmark_RingBuffers(b *testing.B) {
	b.ReportAllocs()

	kinds := []BufferKind{BufferKindSPSC, BufferKindMPSC}
	capacities := []uint64{512, 1024, 4096}
	for _, kind := range kinds {
		for _, capacity := range capacities {
			name := kind.String() + "-" + strconv.FormatUint(capacity, 10)

			b.Run("WriteReadSteady-"+name, func(b *testing.B) {
				rb := NewRingBuffer[int](capacity, kind)

				val := 0
				for b.Loop() {
					if err := rb.Write(val); err != nil {
						b.Fatal(err)
					}
					if _, err := rb.Read(b.Context()); err != nil {
						b.Fatal(err)
					}
					val++
				}
			})
		}
	}
}

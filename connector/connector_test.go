package connector

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_MPSCRingBuffer(t *testing.T) {
	assert := assert.New(t)

	const (
		producers = 4
		items     = 1000
	)

	var conn Connector[int] = NewMPSCRingBuffer[int](64)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range items {
				assert.NoError(conn.Write(p*items + i))
			}
		}()
	}

	go func() {
		wg.Wait()
		conn.Close()
	}()

	seen := make(map[int]bool)
	for {
		item, err := conn.Read(t.Context())
		if err != nil {
			require.ErrorIs(t, err, ErrClosed)
			break
		}
		seen[item] = true
	}

	assert.Len(seen, producers*items)
	assert.Zero(conn.Len())
}

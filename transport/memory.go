package transport

import (
	"context"
	"errors"

	"github.com/FerroO2000/msgbridge/connector"
	"github.com/FerroO2000/msgbridge/internal/config"
)

//////////////
//  CONFIG  //
//////////////

// Default values for the memory transport configuration.
const (
	DefaultMemoryConfigQueueSize = 1024
)

// MemoryConfig structs contains the configuration for the memory transport.
type MemoryConfig struct {
	// QueueSize is the number of strings that can be queued
	// towards the peer before Deliver blocks.
	//
	// Default: 1024
	QueueSize int
}

// NewMemoryConfig returns the default configuration for the memory transport.
func NewMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		QueueSize: DefaultMemoryConfigQueueSize,
	}
}

// Validate checks the configuration.
func (c *MemoryConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotNegative(ac, "QueueSize", &c.QueueSize, DefaultMemoryConfigQueueSize)
	config.CheckNotZero(ac, "QueueSize", &c.QueueSize, DefaultMemoryConfigQueueSize)
}

/////////////////
//  TRANSPORT  //
/////////////////

var _ Transport = (*Memory)(nil)

// Memory is an in-process transport. Two memory transports created by
// NewMemoryPair are connected to each other: what one delivers, the other
// receives. It is used when both runtimes live in the same process
// and in tests.
type Memory struct {
	*base

	cfg *MemoryConfig

	// inbox holds the strings delivered by the peer
	inbox connector.Connector[string]
	peer  *Memory
}

// NewMemoryPair returns two connected memory transports.
func NewMemoryPair(cfg *MemoryConfig) (*Memory, *Memory) {
	if cfg == nil {
		cfg = NewMemoryConfig()
	}

	a := newMemory("memory-a", cfg)
	b := newMemory("memory-b", cfg)

	a.peer = b
	b.peer = a

	return a, b
}

func newMemory(name string, cfg *MemoryConfig) *Memory {
	b := newBase(name)

	// The queue size is needed right away, validate here instead of Init
	validated := *cfg
	config.NewValidator(b.tel).Validate(&validated)

	return &Memory{
		base: b,

		cfg:   &validated,
		inbox: connector.NewMPSCRingBuffer[string](uint64(validated.QueueSize)),
	}
}

// Init initializes the transport.
func (m *Memory) Init(_ context.Context) error {
	m.base.init()
	return nil
}

// Run hands the strings delivered by the peer to the receiver
// until the context is done or the transport is closed.
func (m *Memory) Run(ctx context.Context) {
	m.tel.LogInfo("running")

	for {
		raw, err := m.inbox.Read(ctx)
		if err != nil {
			if errors.Is(err, connector.ErrClosed) {
				m.tel.LogInfo("inbox is closed, stopping")
			}
			return
		}

		m.receive(ctx, raw)
	}
}

// Deliver queues the string into the inbox of the peer.
func (m *Memory) Deliver(ctx context.Context, s string) error {
	return m.deliver(ctx, s, func(context.Context) error {
		if m.peer.closed() {
			return ErrClosed
		}

		if err := m.peer.inbox.Write(s); err != nil {
			if errors.Is(err, connector.ErrClosed) {
				return ErrClosed
			}
			return err
		}

		return nil
	})
}

// Close closes the transport. Strings already queued are still
// handed to the receiver if Run is active.
func (m *Memory) Close() {
	if !m.markClosed() {
		return
	}

	m.inbox.Close()
}

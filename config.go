package msgbridge

import (
	"time"

	"github.com/FerroO2000/msgbridge/envelope"
	"github.com/FerroO2000/msgbridge/internal/config"
)

// Default values for the bridge configuration.
const (
	DefaultConfigPrefix           = envelope.DefaultPrefix
	DefaultConfigInboundQueueSize = 1024
	DefaultConfigReplyTimeout     = 0
	DefaultConfigSweepInterval    = time.Second

	// MaxConfigInboundQueueSize bounds the memory allocated for the inbound queue.
	MaxConfigInboundQueueSize = 1 << 24
)

// Config is the configuration of a bridge.
type Config struct {
	// Prefix is the marker that identifies protocol messages.
	//
	// Default: "@UnityMessage@"
	Prefix string

	// InboundQueueSize is the capacity of the queue holding the strings
	// received from the transport until they are dispatched.
	// It is rounded up to the next power of two and capped at 16Mi entries.
	//
	// Default: 1024
	InboundQueueSize uint64

	// ReplyTimeout is how long a request waits for its reply before
	// being dropped. Dropped requests never see their continuation invoked.
	// Zero disables the expiration: requests wait forever.
	//
	// Default: 0
	ReplyTimeout time.Duration

	// SweepInterval is how often the expired requests are looked for
	// while the bridge is running. Only used when ReplyTimeout is set.
	//
	// Default: 1s
	SweepInterval time.Duration
}

// NewConfig returns the default configuration of a bridge.
func NewConfig() *Config {
	return &Config{
		Prefix:           DefaultConfigPrefix,
		InboundQueueSize: DefaultConfigInboundQueueSize,
		ReplyTimeout:     DefaultConfigReplyTimeout,
		SweepInterval:    DefaultConfigSweepInterval,
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "Prefix", &c.Prefix, DefaultConfigPrefix)

	config.CheckNotZero(ac, "InboundQueueSize", &c.InboundQueueSize, DefaultConfigInboundQueueSize)
	config.CheckNotGreater(ac, "InboundQueueSize", &c.InboundQueueSize, MaxConfigInboundQueueSize)
	config.CheckPowerOfTwo(ac, "InboundQueueSize", &c.InboundQueueSize)

	config.CheckNotNegative(ac, "ReplyTimeout", &c.ReplyTimeout, DefaultConfigReplyTimeout)

	config.CheckNotNegative(ac, "SweepInterval", &c.SweepInterval, DefaultConfigSweepInterval)
	config.CheckNotZero(ac, "SweepInterval", &c.SweepInterval, DefaultConfigSweepInterval)
	if c.ReplyTimeout > 0 {
		config.CheckNotGreaterThan(ac, "SweepInterval", "ReplyTimeout", &c.SweepInterval, c.ReplyTimeout)
	}
}

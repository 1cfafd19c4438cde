package transport

import (
	"fmt"

	"github.com/FerroO2000/msgbridge/internal/config"
)

// Kind identifies a transport implementation.
type Kind string

// The available transport kinds.
const (
	KindMemory    Kind = "memory"
	KindUDP       Kind = "udp"
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
	KindKafka     Kind = "kafka"
	KindFile      Kind = "file"
)

// Kinds returns all the transport kinds that can be built by New.
func Kinds() []Kind {
	return []Kind{KindUDP, KindTCP, KindWebSocket, KindKafka, KindFile}
}

// DefaultConfigKind is the default transport kind.
const DefaultConfigKind = KindTCP

// Config selects and configures a transport.
// Only the sub-configuration matching Kind is used.
type Config struct {
	// Kind is the transport implementation to build.
	//
	// Default: tcp
	Kind Kind

	UDP       *UDPConfig
	TCP       *TCPConfig
	WebSocket *WebSocketConfig
	Kafka     *KafkaConfig
	File      *FileConfig
}

// NewConfig returns a configuration with the defaults of every transport.
func NewConfig(kind Kind) *Config {
	return &Config{
		Kind: kind,

		UDP:       NewUDPConfig(),
		TCP:       NewTCPConfig(),
		WebSocket: NewWebSocketConfig(),
		Kafka:     NewKafkaConfig(),
		File:      NewFileConfig(),
	}
}

// Validate checks the configuration.
func (c *Config) Validate(ac *config.AnomalyCollector) {
	config.CheckOneOf(ac, "Kind", &c.Kind, DefaultConfigKind, Kinds()...)
}

// New builds the transport selected by cfg.Kind.
// The memory transport comes in connected pairs and is built
// with NewMemoryPair instead.
func New(cfg *Config) (Transport, error) {
	switch cfg.Kind {
	case KindUDP:
		return NewUDP(cfg.UDP), nil
	case KindTCP:
		return NewTCP(cfg.TCP), nil
	case KindWebSocket:
		return NewWebSocket(cfg.WebSocket), nil
	case KindKafka:
		return NewKafka(cfg.Kafka), nil
	case KindFile:
		return NewFile(cfg.File), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, string(cfg.Kind))
	}
}

package transport

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/FerroO2000/msgbridge/internal/config"
	"github.com/segmentio/kafka-go"
)

//////////////
//  CONFIG  //
//////////////

// DefaultKafkaConfigBrokers is the default list of Kafka brokers to connect to.
var DefaultKafkaConfigBrokers = []string{"localhost:9092"}

// Default values for the Kafka transport configuration.
const (
	DefaultKafkaConfigOutboundTopic = "msgbridge.outbound"
	DefaultKafkaConfigInboundTopic  = "msgbridge.inbound"
	DefaultKafkaConfigGroupID       = "msgbridge"
	DefaultKafkaConfigBatchTimeout  = 10 * time.Millisecond
	DefaultKafkaConfigMaxWait       = 500 * time.Millisecond
	DefaultKafkaConfigMaxBytes      = 1 << 20
	DefaultKafkaConfigWriteTimeout  = 10 * time.Second
)

// KafkaConfig structs contains the configuration for the Kafka transport.
// The messages for the peer are produced on OutboundTopic, the ones
// coming from the peer are consumed from InboundTopic. The peer uses
// the same topics the other way around.
type KafkaConfig struct {
	// Brokers is the list of broker addresses.
	//
	// Default: localhost:9092
	Brokers []string

	// OutboundTopic is the topic the messages are delivered to.
	//
	// Default: msgbridge.outbound
	OutboundTopic string

	// InboundTopic is the topic the messages are received from.
	//
	// Default: msgbridge.inbound
	InboundTopic string

	// GroupID is the consumer group of the inbound reader.
	//
	// Default: msgbridge
	GroupID string

	// Key is the key of every produced message. Using the same key keeps
	// all the messages of a bridge in the same partition.
	Key string

	// BatchTimeout is the time limit on how often incomplete batches are flushed.
	//
	// Default: 10ms
	BatchTimeout time.Duration

	// MaxWait is the maximum amount of time to wait for new data when fetching.
	//
	// Default: 500ms
	MaxWait time.Duration

	// MaxBytes is the maximum batch size that the consumer will accept.
	//
	// Default: 1 MiB
	MaxBytes int

	// WriteTimeout is the timeout for producing a message.
	//
	// Default: 10s
	WriteTimeout time.Duration

	// StartOffset is the offset used when the group has no committed offset.
	//
	// Default: kafka.LastOffset
	StartOffset int64

	// AllowAutoTopicCreation lets the writer create the outbound topic if missing.
	AllowAutoTopicCreation bool
}

// NewKafkaConfig returns the default configuration for the Kafka transport.
func NewKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:                DefaultKafkaConfigBrokers,
		OutboundTopic:          DefaultKafkaConfigOutboundTopic,
		InboundTopic:           DefaultKafkaConfigInboundTopic,
		GroupID:                DefaultKafkaConfigGroupID,
		BatchTimeout:           DefaultKafkaConfigBatchTimeout,
		MaxWait:                DefaultKafkaConfigMaxWait,
		MaxBytes:               DefaultKafkaConfigMaxBytes,
		WriteTimeout:           DefaultKafkaConfigWriteTimeout,
		StartOffset:            kafka.LastOffset,
		AllowAutoTopicCreation: true,
	}
}

// Validate checks the configuration.
func (c *KafkaConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckLen(ac, "Brokers", &c.Brokers, DefaultKafkaConfigBrokers)
	config.CheckNotEmpty(ac, "OutboundTopic", &c.OutboundTopic, DefaultKafkaConfigOutboundTopic)
	config.CheckNotEmpty(ac, "InboundTopic", &c.InboundTopic, DefaultKafkaConfigInboundTopic)
	config.CheckNotEmpty(ac, "GroupID", &c.GroupID, DefaultKafkaConfigGroupID)

	config.CheckNotNegative(ac, "BatchTimeout", &c.BatchTimeout, DefaultKafkaConfigBatchTimeout)
	config.CheckNotNegative(ac, "MaxWait", &c.MaxWait, DefaultKafkaConfigMaxWait)
	config.CheckNotZero(ac, "MaxWait", &c.MaxWait, DefaultKafkaConfigMaxWait)

	config.CheckNotNegative(ac, "MaxBytes", &c.MaxBytes, DefaultKafkaConfigMaxBytes)
	config.CheckNotZero(ac, "MaxBytes", &c.MaxBytes, DefaultKafkaConfigMaxBytes)

	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultKafkaConfigWriteTimeout)
	config.CheckNotZero(ac, "WriteTimeout", &c.WriteTimeout, DefaultKafkaConfigWriteTimeout)

	config.CheckOneOf(ac, "StartOffset", &c.StartOffset, kafka.LastOffset, kafka.FirstOffset, kafka.LastOffset)
}

/////////////////
//  TRANSPORT  //
/////////////////

var _ Transport = (*Kafka)(nil)

// Kafka is a transport producing and consuming messages on two Kafka topics.
type Kafka struct {
	*base

	cfg *KafkaConfig

	writer *kafka.Writer
	reader *kafka.Reader
}

// NewKafka returns a new Kafka transport.
func NewKafka(cfg *KafkaConfig) *Kafka {
	if cfg == nil {
		cfg = NewKafkaConfig()
	}

	return &Kafka{
		base: newBase("kafka"),
		cfg:  cfg,
	}
}

// Init validates the configuration and creates the Kafka writer and reader.
func (k *Kafka) Init(_ context.Context) error {
	k.base.init()
	config.NewValidator(k.tel).Validate(k.cfg)

	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(k.cfg.Brokers...),
		Topic:                  k.cfg.OutboundTopic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           k.cfg.BatchTimeout,
		WriteTimeout:           k.cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: k.cfg.AllowAutoTopicCreation,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			k.tel.LogDebug("kafka writer", "detail", msg, "args", args)
		}),
	}

	k.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupID:     k.cfg.GroupID,
		Topic:       k.cfg.InboundTopic,
		MaxBytes:    k.cfg.MaxBytes,
		MaxWait:     k.cfg.MaxWait,
		StartOffset: k.cfg.StartOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			k.tel.LogDebug("kafka reader", "detail", msg, "args", args)
		}),
	})

	return nil
}

// Run consumes the inbound topic until the context is done or the transport is closed.
func (k *Kafka) Run(ctx context.Context) {
	k.tel.LogInfo("running")

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil || k.closed() {
				return
			}

			k.tel.LogError("failed to read Kafka message", err)
			continue
		}

		k.receive(ctx, string(msg.Value))
	}
}

// Deliver produces the string on the outbound topic.
func (k *Kafka) Deliver(ctx context.Context, s string) error {
	return k.deliver(ctx, s, func(ctx context.Context) error {
		msg := kafka.Message{
			Value: []byte(s),
		}
		if k.cfg.Key != "" {
			msg.Key = []byte(k.cfg.Key)
		}

		return k.writer.WriteMessages(ctx, msg)
	})
}

// Close closes the Kafka writer and reader.
func (k *Kafka) Close() {
	if !k.markClosed() {
		return
	}

	if k.writer != nil {
		if err := k.writer.Close(); err != nil {
			k.tel.LogError("failed to close Kafka writer", err)
		}
	}

	if k.reader != nil {
		if err := k.reader.Close(); err != nil {
			k.tel.LogError("failed to close Kafka reader", err)
		}
	}
}

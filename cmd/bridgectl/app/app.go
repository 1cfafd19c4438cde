// Package app contains the bridgectl command line application.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/FerroO2000/msgbridge"
	"github.com/FerroO2000/msgbridge/internal/journal"
	"github.com/FerroO2000/msgbridge/internal/telemetry"
	"github.com/FerroO2000/msgbridge/transport"
	"github.com/urfave/cli/v2"
)

// options holds the values of the global flags.
type options struct {
	logLevel string

	otlpEndpoint string
	traceRatio   float64

	journalPath string

	prefix       string
	replyTimeout time.Duration

	kind string

	udpListen string
	udpRemote string

	tcpMode    string
	tcpAddress string
	tcpFraming string

	wsMode   string
	wsURL    string
	wsListen string
	wsPath   string

	kafkaBrokers  cli.StringSlice
	kafkaOutTopic string
	kafkaInTopic  string
	kafkaGroupID  string

	fileOut       string
	fileIn        string
	fileFromStart bool

	otel *otelExporter
}

func newOptions() *options {
	trCfg := transport.NewConfig(transport.DefaultConfigKind)

	return &options{
		logLevel: "info",

		traceRatio: 0.05,

		prefix: msgbridge.DefaultConfigPrefix,

		kind: string(trCfg.Kind),

		udpListen: trCfg.UDP.ListenAddr,
		udpRemote: trCfg.UDP.RemoteAddr,

		tcpMode:    string(transport.TCPModeListen),
		tcpAddress: trCfg.TCP.Address,
		tcpFraming: string(trCfg.TCP.FramingMode),

		wsMode:   string(transport.WebSocketModeServe),
		wsURL:    trCfg.WebSocket.URL,
		wsListen: trCfg.WebSocket.ListenAddr,
		wsPath:   trCfg.WebSocket.Path,

		kafkaBrokers:  *cli.NewStringSlice(trCfg.Kafka.Brokers...),
		kafkaOutTopic: trCfg.Kafka.OutboundTopic,
		kafkaInTopic:  trCfg.Kafka.InboundTopic,
		kafkaGroupID:  "bridgectl",

		fileOut: trCfg.File.OutboundPath,
		fileIn:  trCfg.File.InboundPath,
	}
}

func (o *options) flags() []cli.Flag {
	kinds := make([]string, 0, len(transport.Kinds()))
	for _, kind := range transport.Kinds() {
		kinds = append(kinds, string(kind))
	}

	return []cli.Flag{
		stringFlag(&o.logLevel, "log-level", "Verbosity of the log: debug, info, warn, error"),
		stringFlag(&o.otlpEndpoint, "otlp-endpoint", "OTLP gRPC collector endpoint, disabled when empty"),
		float64Flag(&o.traceRatio, "trace-ratio", "Sampling ratio of the exported traces"),
		stringFlag(&o.journalPath, "journal", "SQLite file recording every exchanged string, disabled when empty"),

		stringFlag(&o.prefix, "prefix", "Marker identifying the protocol messages"),
		durationFlag(&o.replyTimeout, "reply-timeout", "Time after which unanswered calls are dropped, 0 keeps them forever"),

		stringFlag(&o.kind, "transport", "Transport kind: "+strings.Join(kinds, ", ")),

		stringFlag(&o.udpListen, "udp-listen", "UDP address to receive from"),
		stringFlag(&o.udpRemote, "udp-remote", "UDP address to deliver to"),

		stringFlag(&o.tcpMode, "tcp-mode", "TCP mode: dial or listen"),
		stringFlag(&o.tcpAddress, "tcp-address", "TCP address to dial or to listen on"),
		stringFlag(&o.tcpFraming, "tcp-framing", "TCP framing: delimited or length-prefixed"),

		stringFlag(&o.wsMode, "ws-mode", "WebSocket mode: dial or serve"),
		stringFlag(&o.wsURL, "ws-url", "WebSocket URL to dial"),
		stringFlag(&o.wsListen, "ws-listen", "Address the WebSocket server listens on"),
		stringFlag(&o.wsPath, "ws-path", "Path of the WebSocket endpoint"),

		stringSliceFlag(&o.kafkaBrokers, "kafka-brokers", "Kafka brokers"),
		stringFlag(&o.kafkaOutTopic, "kafka-outbound-topic", "Kafka topic to deliver to"),
		stringFlag(&o.kafkaInTopic, "kafka-inbound-topic", "Kafka topic to receive from"),
		stringFlag(&o.kafkaGroupID, "kafka-group", "Kafka consumer group"),

		stringFlag(&o.fileOut, "file-outbound", "File the messages are appended to"),
		stringFlag(&o.fileIn, "file-inbound", "File the received messages are read from"),
		boolFlag(&o.fileFromStart, "file-from-start", "Read the inbound file from its beginning"),
	}
}

func (o *options) transportConfig() *transport.Config {
	cfg := transport.NewConfig(transport.Kind(o.kind))

	cfg.UDP.ListenAddr = o.udpListen
	cfg.UDP.RemoteAddr = o.udpRemote

	cfg.TCP.Mode = transport.TCPMode(o.tcpMode)
	cfg.TCP.Address = o.tcpAddress
	cfg.TCP.FramingMode = transport.TCPFramingMode(o.tcpFraming)

	cfg.WebSocket.Mode = transport.WebSocketMode(o.wsMode)
	cfg.WebSocket.URL = o.wsURL
	cfg.WebSocket.ListenAddr = o.wsListen
	cfg.WebSocket.Path = o.wsPath

	cfg.Kafka.Brokers = o.kafkaBrokers.Value()
	cfg.Kafka.OutboundTopic = o.kafkaOutTopic
	cfg.Kafka.InboundTopic = o.kafkaInTopic
	cfg.Kafka.GroupID = o.kafkaGroupID

	cfg.File.OutboundPath = o.fileOut
	cfg.File.InboundPath = o.fileIn
	cfg.File.FromStart = o.fileFromStart

	return cfg
}

func (o *options) bridgeConfig() *msgbridge.Config {
	cfg := msgbridge.NewConfig()
	cfg.Prefix = o.prefix
	cfg.ReplyTimeout = o.replyTimeout
	return cfg
}

func (o *options) before(_ *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	telemetry.SetLogLevel(level)

	return nil
}

func (o *options) after(_ *cli.Context) error {
	if o.otel == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return o.otel.shutdown(ctx)
}

// Instance returns the bridgectl application.
func Instance() *cli.App {
	opts := newOptions()

	return &cli.App{
		Name:  "bridgectl",
		Usage: "Act as the peer of a message bridge",
		Commands: []*cli.Command{
			listenCmd(opts),
			sendCmd(opts),
			callCmd(opts),
			echoCmd(opts),
			journalCmd(opts),
		},
		Flags:  opts.flags(),
		Before: opts.before,
		After:  opts.after,
	}
}

// Run runs the application with the given arguments.
func Run(ctx context.Context, args []string) error {
	return Instance().RunContext(ctx, args)
}

/////////////
//  PEER   //
/////////////

// peer is a running bridge with its transport.
type peer struct {
	bridge   *msgbridge.Bridge
	pipeline *msgbridge.Pipeline
	journal  *journal.Journal

	cancel context.CancelFunc
}

// startPeer builds the transport and the bridge selected by the flags and runs them.
// The setup function, if any, is called before the bridge starts dispatching.
func (o *options) startPeer(ctx context.Context, setup func(b *msgbridge.Bridge)) (*peer, error) {
	if o.otlpEndpoint != "" && o.otel == nil {
		oe, err := startOTel(ctx, o.otlpEndpoint, o.traceRatio)
		if err != nil {
			return nil, err
		}
		if oe == nil {
			slog.Warn("OpenTelemetry collector is not reachable", "endpoint", o.otlpEndpoint)
		}
		o.otel = oe
	}

	tr, err := transport.New(o.transportConfig())
	if err != nil {
		return nil, err
	}

	p := &peer{}

	if o.journalPath != "" {
		j, err := journal.Open(o.journalPath, o.prefix)
		if err != nil {
			return nil, err
		}
		p.journal = j
		tr = j.Tap(tr)
	}

	p.bridge = msgbridge.NewBridge(tr, o.bridgeConfig())
	if setup != nil {
		setup(p.bridge)
	}

	p.pipeline = msgbridge.NewPipeline(tr, p.bridge)

	if err := p.pipeline.Init(ctx); err != nil {
		p.close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.pipeline.Run(runCtx)

	return p, nil
}

func (p *peer) close() {
	if p.cancel != nil {
		p.cancel()
	}

	p.pipeline.Close()

	if p.journal != nil {
		if err := p.journal.Close(); err != nil {
			slog.Error("failed to close the journal", "error", err)
		}
	}
}

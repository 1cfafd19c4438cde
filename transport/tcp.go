package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FerroO2000/msgbridge/internal/config"
)

const tcpBufSize = 4096

//////////////
//  CONFIG  //
//////////////

// TCPMode defines which side opens the connection.
type TCPMode string

const (
	// TCPModeDial connects to the peer.
	TCPModeDial TCPMode = "dial"
	// TCPModeListen waits for the peer to connect.
	TCPModeListen TCPMode = "listen"
)

// TCPFramingMode defines how the messages are separated in the stream.
type TCPFramingMode string

const (
	// TCPFramingModeDelimited terminates every message with a delimiter.
	TCPFramingModeDelimited TCPFramingMode = "delimited"
	// TCPFramingModeLengthPrefixed prefixes every message
	// with its length (4 bytes, big endian).
	TCPFramingModeLengthPrefixed TCPFramingMode = "length-prefixed"
)

const tcpLengthPrefixLen = 4

// Default values for the TCP transport configuration.
const (
	DefaultTCPConfigMode           = TCPModeDial
	DefaultTCPConfigAddress        = "127.0.0.1:20000"
	DefaultTCPConfigFramingMode    = TCPFramingModeDelimited
	DefaultTCPConfigDelimiter      = "\n"
	DefaultTCPConfigMaxMessageSize = 4 << 20
	DefaultTCPConfigDialTimeout    = 5 * time.Second
	DefaultTCPConfigWriteTimeout   = 10 * time.Second
	DefaultTCPConfigRedialBackoff  = time.Second
)

// TCPConfig structs contains the configuration for the TCP transport.
type TCPConfig struct {
	// Mode states whether the transport dials the peer or listens for it.
	// In listen mode only the most recent connection is used for delivery.
	//
	// Default: dial
	Mode TCPMode

	// Address is the address to dial or to listen on ("host:port").
	//
	// Default: 127.0.0.1:20000
	Address string

	// FramingMode is the framing mode to use.
	//
	// Default: delimited
	FramingMode TCPFramingMode

	// Delimiter separates the messages when FramingMode is delimited.
	// Messages containing the delimiter cannot be delivered.
	//
	// Default: "\n"
	Delimiter string

	// MaxMessageSize is the maximum size of a message.
	// If a received message gets bigger, the connection is closed.
	// Bigger outbound messages are rejected by Deliver.
	//
	// Default: 4 MiB
	MaxMessageSize int

	// DialTimeout is the timeout for connecting to the peer.
	//
	// Default: 5s
	DialTimeout time.Duration

	// WriteTimeout is the timeout for writing a message.
	//
	// Default: 10s
	WriteTimeout time.Duration

	// RedialBackoff is the time waited before dialing again
	// after the connection is lost.
	//
	// Default: 1s
	RedialBackoff time.Duration
}

// NewTCPConfig returns the default configuration for the TCP transport.
func NewTCPConfig() *TCPConfig {
	return &TCPConfig{
		Mode:           DefaultTCPConfigMode,
		Address:        DefaultTCPConfigAddress,
		FramingMode:    DefaultTCPConfigFramingMode,
		Delimiter:      DefaultTCPConfigDelimiter,
		MaxMessageSize: DefaultTCPConfigMaxMessageSize,
		DialTimeout:    DefaultTCPConfigDialTimeout,
		WriteTimeout:   DefaultTCPConfigWriteTimeout,
		RedialBackoff:  DefaultTCPConfigRedialBackoff,
	}
}

// Validate checks the configuration.
func (c *TCPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckOneOf(ac, "Mode", &c.Mode, DefaultTCPConfigMode, TCPModeDial, TCPModeListen)
	config.CheckNotEmpty(ac, "Address", &c.Address, DefaultTCPConfigAddress)

	config.CheckOneOf(ac, "FramingMode", &c.FramingMode, DefaultTCPConfigFramingMode,
		TCPFramingModeDelimited, TCPFramingModeLengthPrefixed)
	config.CheckNotEmpty(ac, "Delimiter", &c.Delimiter, DefaultTCPConfigDelimiter)

	config.CheckNotNegative(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)
	config.CheckNotZero(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultTCPConfigMaxMessageSize)

	config.CheckNotNegative(ac, "DialTimeout", &c.DialTimeout, DefaultTCPConfigDialTimeout)
	config.CheckNotZero(ac, "DialTimeout", &c.DialTimeout, DefaultTCPConfigDialTimeout)

	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)
	config.CheckNotZero(ac, "WriteTimeout", &c.WriteTimeout, DefaultTCPConfigWriteTimeout)

	config.CheckNotNegative(ac, "RedialBackoff", &c.RedialBackoff, DefaultTCPConfigRedialBackoff)
}

///////////////
//  FRAMING  //
///////////////

type tcpFramer struct {
	mode      TCPFramingMode
	delimiter []byte
	// maxSize is ignored when not positive
	maxSize int
}

// checkSize rejects the messages the peer cannot receive.
func (f *tcpFramer) checkSize(n int) error {
	if f.maxSize > 0 && n > f.maxSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", ErrMessageTooLarge, n, f.maxSize)
	}

	if f.mode == TCPFramingModeLengthPrefixed && int64(n) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes do not fit the length prefix", ErrMessageTooLarge, n)
	}

	return nil
}

func (f *tcpFramer) frame(s string) ([]byte, error) {
	if err := f.checkSize(len(s)); err != nil {
		return nil, err
	}

	switch f.mode {
	case TCPFramingModeLengthPrefixed:
		buf := make([]byte, tcpLengthPrefixLen, tcpLengthPrefixLen+len(s))
		binary.BigEndian.PutUint32(buf, uint32(len(s)))
		return append(buf, s...), nil

	default:
		if strings.Contains(s, string(f.delimiter)) {
			return nil, errors.New("transport: message contains the TCP delimiter")
		}

		buf := make([]byte, 0, len(s)+len(f.delimiter))
		buf = append(buf, s...)
		return append(buf, f.delimiter...), nil
	}
}

// next extracts the first complete message from the accumulator.
// It returns the message, the number of consumed bytes and whether
// a message was found.
func (f *tcpFramer) next(acc []byte) (string, int, bool) {
	switch f.mode {
	case TCPFramingModeLengthPrefixed:
		if len(acc) < tcpLengthPrefixLen {
			return "", 0, false
		}

		msgLen := int(binary.BigEndian.Uint32(acc))
		totLen := tcpLengthPrefixLen + msgLen
		if len(acc) < totLen {
			return "", 0, false
		}

		return string(acc[tcpLengthPrefixLen:totLen]), totLen, true

	default:
		msgLen := bytes.Index(acc, f.delimiter)
		if msgLen == -1 {
			return "", 0, false
		}

		return string(acc[:msgLen]), msgLen + len(f.delimiter), true
	}
}

/////////////////
//  TRANSPORT  //
/////////////////

var _ Transport = (*TCP)(nil)

// TCP is a stream transport. In dial mode it connects to the peer
// (and reconnects when the connection is lost), in listen mode it
// accepts the peer connections.
type TCP struct {
	*base

	cfg    *TCPConfig
	framer *tcpFramer

	listener net.Listener

	connMux sync.Mutex
	conn    net.Conn

	writeMux sync.Mutex

	wg sync.WaitGroup

	// Metrics
	openConnections atomic.Int64
}

// NewTCP returns a new TCP transport.
func NewTCP(cfg *TCPConfig) *TCP {
	if cfg == nil {
		cfg = NewTCPConfig()
	}

	return &TCP{
		base: newBase("tcp"),
		cfg:  cfg,
	}
}

// Init validates the configuration and, in listen mode, opens the listener.
// In dial mode the first connection attempt is made here.
func (t *TCP) Init(ctx context.Context) error {
	t.base.init()
	config.NewValidator(t.tel).Validate(t.cfg)

	t.framer = &tcpFramer{
		mode:      t.cfg.FramingMode,
		delimiter: []byte(t.cfg.Delimiter),
		maxSize:   t.cfg.MaxMessageSize,
	}

	t.tel.NewUpDownCounter("open_connections", func() int64 { return t.openConnections.Load() })

	switch t.cfg.Mode {
	case TCPModeListen:
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, "tcp", t.cfg.Address)
		if err != nil {
			return err
		}
		t.listener = listener

	default:
		conn, err := t.dial(ctx)
		if err != nil {
			return err
		}
		t.setConn(conn)
	}

	return nil
}

// Addr returns the listening address in listen mode,
// or the remote address of the current connection in dial mode.
func (t *TCP) Addr() net.Addr {
	if t.listener != nil {
		return t.listener.Addr()
	}

	if conn := t.getConn(); conn != nil {
		return conn.RemoteAddr()
	}

	return nil
}

func (t *TCP) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	return dialer.DialContext(ctx, "tcp", t.cfg.Address)
}

func (t *TCP) setConn(conn net.Conn) {
	t.connMux.Lock()
	prev := t.conn
	t.conn = conn
	t.connMux.Unlock()

	// In listen mode a new peer connection replaces the previous one
	if prev != nil && prev != conn {
		prev.Close()
	}
}

func (t *TCP) getConn() net.Conn {
	t.connMux.Lock()
	defer t.connMux.Unlock()
	return t.conn
}

func (t *TCP) dropConn(conn net.Conn) {
	t.connMux.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMux.Unlock()

	conn.Close()
}

// Run reads the messages until the context is done or the transport is closed.
func (t *TCP) Run(ctx context.Context) {
	t.tel.LogInfo("running")

	stop := context.AfterFunc(ctx, t.Close)
	defer stop()

	if t.cfg.Mode == TCPModeListen {
		t.runListener(ctx)
	} else {
		t.runDialer(ctx)
	}

	t.wg.Wait()
}

func (t *TCP) runListener(ctx context.Context) {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || t.closed() {
				return
			}

			t.tel.LogError("failed to accept connection", err)
			continue
		}

		t.tel.LogInfo("peer connected", "remote_addr", conn.RemoteAddr().String())
		t.setConn(conn)

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleConn(ctx, conn)
		}()
	}
}

func (t *TCP) runDialer(ctx context.Context) {
	for {
		conn := t.getConn()
		if conn != nil {
			t.handleConn(ctx, conn)
		}

		if t.closed() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.cfg.RedialBackoff):
		}

		conn, err := t.dial(ctx)
		if err != nil {
			t.tel.LogWarn("failed to dial peer", "address", t.cfg.Address, "error", err)
			continue
		}

		t.tel.LogInfo("reconnected to peer", "address", t.cfg.Address)
		t.setConn(conn)
	}
}

func (t *TCP) handleConn(ctx context.Context, conn net.Conn) {
	defer t.dropConn(conn)

	t.openConnections.Add(1)
	defer t.openConnections.Add(-1)

	buf := make([]byte, tcpBufSize)

	accBaseCap := 4 * tcpBufSize
	acc := make([]byte, 0, accBaseCap)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || t.closed() {
				return
			}

			t.tel.LogError("failed to read connection", err)
			return
		}

		acc = append(acc, buf[:n]...)

		for {
			msg, consumed, ok := t.framer.next(acc)
			if !ok {
				break
			}

			t.receive(ctx, msg)
			acc = acc[consumed:]
		}

		// Reset the accumulator once it is drained
		if len(acc) == 0 && cap(acc) > accBaseCap {
			acc = make([]byte, 0, accBaseCap)
		}

		if len(acc) > t.cfg.MaxMessageSize {
			t.tel.LogWarn("message too large, closing connection", "size", len(acc))
			return
		}
	}
}

// Deliver writes the framed string to the current connection.
func (t *TCP) Deliver(ctx context.Context, s string) error {
	return t.deliver(ctx, s, func(context.Context) error {
		frame, err := t.framer.frame(s)
		if err != nil {
			return err
		}

		conn := t.getConn()
		if conn == nil {
			return ErrNotConnected
		}

		if err := conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
			return err
		}

		// Writes of different goroutines must not interleave
		t.writeMux.Lock()
		defer t.writeMux.Unlock()

		if _, err := conn.Write(frame); err != nil {
			return fmt.Errorf("transport: failed to write TCP message: %w", err)
		}

		return nil
	})
}

// Close closes the listener and the current connection.
func (t *TCP) Close() {
	if !t.markClosed() {
		return
	}

	if t.listener != nil {
		t.listener.Close()
	}

	if conn := t.getConn(); conn != nil {
		conn.Close()
	}
}

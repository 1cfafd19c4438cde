package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/FerroO2000/msgbridge/internal/config"
	"github.com/gorilla/websocket"
)

//////////////
//  CONFIG  //
//////////////

// WebSocketMode defines which side opens the connection.
type WebSocketMode string

const (
	// WebSocketModeDial connects to the peer URL.
	WebSocketModeDial WebSocketMode = "dial"
	// WebSocketModeServe serves the websocket endpoint and waits for the peer.
	WebSocketModeServe WebSocketMode = "serve"
)

// Default values for the websocket transport configuration.
const (
	DefaultWebSocketConfigMode           = WebSocketModeDial
	DefaultWebSocketConfigURL            = "ws://127.0.0.1:20080/bridge"
	DefaultWebSocketConfigListenAddr     = "127.0.0.1:20080"
	DefaultWebSocketConfigPath           = "/bridge"
	DefaultWebSocketConfigWriteTimeout   = 10 * time.Second
	DefaultWebSocketConfigMaxMessageSize = 4 << 20
	DefaultWebSocketConfigSendQueueSize  = 64
)

// WebSocketConfig structs contains the configuration for the websocket transport.
type WebSocketConfig struct {
	// Mode states whether the transport dials the peer or serves the endpoint.
	//
	// Default: dial
	Mode WebSocketMode

	// URL is the peer endpoint in dial mode.
	//
	// Default: ws://127.0.0.1:20080/bridge
	URL string

	// ListenAddr is the address served in serve mode.
	//
	// Default: 127.0.0.1:20080
	ListenAddr string

	// Path is the HTTP path of the endpoint in serve mode.
	//
	// Default: /bridge
	Path string

	// WriteTimeout is the timeout for writing a message.
	//
	// Default: 10s
	WriteTimeout time.Duration

	// MaxMessageSize is the maximum size of a received message.
	//
	// Default: 4 MiB
	MaxMessageSize int64

	// SendQueueSize is the number of messages waiting to be written.
	//
	// Default: 64
	SendQueueSize int
}

// NewWebSocketConfig returns the default configuration for the websocket transport.
func NewWebSocketConfig() *WebSocketConfig {
	return &WebSocketConfig{
		Mode:           DefaultWebSocketConfigMode,
		URL:            DefaultWebSocketConfigURL,
		ListenAddr:     DefaultWebSocketConfigListenAddr,
		Path:           DefaultWebSocketConfigPath,
		WriteTimeout:   DefaultWebSocketConfigWriteTimeout,
		MaxMessageSize: DefaultWebSocketConfigMaxMessageSize,
		SendQueueSize:  DefaultWebSocketConfigSendQueueSize,
	}
}

// Validate checks the configuration.
func (c *WebSocketConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckOneOf(ac, "Mode", &c.Mode, DefaultWebSocketConfigMode, WebSocketModeDial, WebSocketModeServe)
	config.CheckNotEmpty(ac, "URL", &c.URL, DefaultWebSocketConfigURL)
	config.CheckNotEmpty(ac, "ListenAddr", &c.ListenAddr, DefaultWebSocketConfigListenAddr)
	config.CheckNotEmpty(ac, "Path", &c.Path, DefaultWebSocketConfigPath)

	config.CheckNotNegative(ac, "WriteTimeout", &c.WriteTimeout, DefaultWebSocketConfigWriteTimeout)
	config.CheckNotZero(ac, "WriteTimeout", &c.WriteTimeout, DefaultWebSocketConfigWriteTimeout)

	config.CheckNotNegative(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultWebSocketConfigMaxMessageSize)
	config.CheckNotZero(ac, "MaxMessageSize", &c.MaxMessageSize, DefaultWebSocketConfigMaxMessageSize)

	config.CheckNotNegative(ac, "SendQueueSize", &c.SendQueueSize, DefaultWebSocketConfigSendQueueSize)
	config.CheckNotZero(ac, "SendQueueSize", &c.SendQueueSize, DefaultWebSocketConfigSendQueueSize)
}

/////////////////
//  TRANSPORT  //
/////////////////

var _ Transport = (*WebSocket)(nil)

type wsPacket struct {
	payload string
	errCh   chan error
}

// wsConn is a single websocket connection with its writer goroutine.
type wsConn struct {
	conn *websocket.Conn

	outbound chan wsPacket
	done     chan struct{}
	doneOnce sync.Once
}

func (wc *wsConn) close() {
	wc.doneOnce.Do(func() {
		close(wc.done)
		wc.conn.Close()
	})
}

// WebSocket is a transport sending every message as a websocket text frame.
type WebSocket struct {
	*base

	cfg *WebSocketConfig

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	connMux sync.Mutex
	current *wsConn
	// connected is replaced every time the current connection changes
	connected chan struct{}

	wg sync.WaitGroup
}

// NewWebSocket returns a new websocket transport.
func NewWebSocket(cfg *WebSocketConfig) *WebSocket {
	if cfg == nil {
		cfg = NewWebSocketConfig()
	}

	return &WebSocket{
		base: newBase("websocket"),
		cfg:  cfg,

		connected: make(chan struct{}),
	}
}

// Init validates the configuration and either dials the peer
// or starts listening for it.
func (ws *WebSocket) Init(ctx context.Context) error {
	ws.base.init()
	config.NewValidator(ws.tel).Validate(ws.cfg)

	if ws.cfg.Mode == WebSocketModeServe {
		var lc net.ListenConfig
		listener, err := lc.Listen(ctx, "tcp", ws.cfg.ListenAddr)
		if err != nil {
			return err
		}
		ws.listener = listener

		mux := http.NewServeMux()
		mux.HandleFunc(ws.cfg.Path, ws.handleUpgrade)
		ws.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ws.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("transport: failed to dial websocket: %w", err)
	}

	ws.attach(ctx, conn)

	return nil
}

// Addr returns the listening address in serve mode.
func (ws *WebSocket) Addr() net.Addr {
	if ws.listener == nil {
		return nil
	}
	return ws.listener.Addr()
}

// WaitConnected blocks until a peer connection is available.
func (ws *WebSocket) WaitConnected(ctx context.Context) error {
	for {
		ws.connMux.Lock()
		current, connected := ws.current, ws.connected
		ws.connMux.Unlock()

		if current != nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connected:
		}
	}
}

func (ws *WebSocket) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	conn, err := ws.upgrader.Upgrade(w, req, nil)
	if err != nil {
		ws.tel.LogDebug("unable to upgrade peer connection", "error", err)
		return
	}

	ws.tel.LogInfo("peer connected", "remote_addr", conn.RemoteAddr().String())

	wc := ws.attach(req.Context(), conn)
	<-wc.done
}

// attach makes conn the current connection and starts its goroutines.
func (ws *WebSocket) attach(ctx context.Context, conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(ws.cfg.MaxMessageSize)

	wc := &wsConn{
		conn:     conn,
		outbound: make(chan wsPacket, ws.cfg.SendQueueSize),
		done:     make(chan struct{}),
	}

	ws.connMux.Lock()
	prev := ws.current
	ws.current = wc
	close(ws.connected)
	ws.connected = make(chan struct{})
	ws.connMux.Unlock()

	if prev != nil {
		prev.close()
	}

	ws.wg.Add(2)
	go func() {
		defer ws.wg.Done()
		ws.writeLoop(wc)
	}()
	go func() {
		defer ws.wg.Done()
		ws.readLoop(context.WithoutCancel(ctx), wc)
	}()

	return wc
}

func (ws *WebSocket) detach(wc *wsConn) {
	ws.connMux.Lock()
	if ws.current == wc {
		ws.current = nil
	}
	ws.connMux.Unlock()

	wc.close()
}

func (ws *WebSocket) readLoop(ctx context.Context, wc *wsConn) {
	defer ws.detach(wc)

	for {
		mt, buf, err := wc.conn.ReadMessage()
		if err != nil {
			if !ws.closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.tel.LogWarn("websocket connection lost", "error", err)
			}
			return
		}

		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		ws.receive(ctx, string(buf))
	}
}

func (ws *WebSocket) writeLoop(wc *wsConn) {
	for {
		select {
		case <-wc.done:
			return

		case packet := <-wc.outbound:
			wc.conn.SetWriteDeadline(time.Now().Add(ws.cfg.WriteTimeout))
			err := wc.conn.WriteMessage(websocket.TextMessage, []byte(packet.payload))
			packet.errCh <- err

			if err != nil {
				ws.detach(wc)
				return
			}
		}
	}
}

// Run serves the endpoint in serve mode, otherwise it waits for the context
// to be done or the transport to be closed. Messages are read by
// per-connection goroutines.
func (ws *WebSocket) Run(ctx context.Context) {
	ws.tel.LogInfo("running")

	stop := context.AfterFunc(ctx, ws.Close)
	defer stop()

	if ws.server != nil {
		ws.server.BaseContext = func(net.Listener) context.Context { return ctx }

		if err := ws.server.Serve(ws.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ws.tel.LogError("websocket server failed", err)
		}
	} else {
		<-ctx.Done()
	}

	ws.wg.Wait()
}

// Deliver queues the string to the writer of the current connection
// and waits for the write to complete.
func (ws *WebSocket) Deliver(ctx context.Context, s string) error {
	return ws.deliver(ctx, s, func(ctx context.Context) error {
		ws.connMux.Lock()
		wc := ws.current
		ws.connMux.Unlock()

		if wc == nil {
			return ErrNotConnected
		}

		packet := wsPacket{payload: s, errCh: make(chan error, 1)}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wc.done:
			return ErrNotConnected
		case wc.outbound <- packet:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-packet.errCh:
			return err
		case <-wc.done:
			return ErrNotConnected
		}
	})
}

// Close closes the server and the current connection.
func (ws *WebSocket) Close() {
	if !ws.markClosed() {
		return
	}

	if ws.server != nil {
		ws.server.Close()
	}
	// The listener is not tracked by the server until Serve is called
	if ws.listener != nil {
		ws.listener.Close()
	}

	ws.connMux.Lock()
	wc := ws.current
	ws.current = nil
	ws.connMux.Unlock()

	if wc != nil {
		wc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		wc.close()
	}
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/FerroO2000/msgbridge/internal/config"
)

// udpMaxPayloadSize is the biggest payload of an IPv4 UDP datagram.
const udpMaxPayloadSize = 65_507

//////////////
//  CONFIG  //
//////////////

// Default values for the UDP transport configuration.
const (
	DefaultUDPConfigListenAddr = "127.0.0.1:20000"
	DefaultUDPConfigRemoteAddr = "127.0.0.1:20001"
)

// UDPConfig structs contains the configuration for the UDP transport.
// Every message travels in its own datagram.
type UDPConfig struct {
	// ListenAddr is the local address ("ip:port") receiving the datagrams of the peer.
	//
	// Default: 127.0.0.1:20000
	ListenAddr string

	// RemoteAddr is the address ("ip:port") of the peer.
	//
	// Default: 127.0.0.1:20001
	RemoteAddr string
}

// NewUDPConfig returns the default configuration for the UDP transport.
func NewUDPConfig() *UDPConfig {
	return &UDPConfig{
		ListenAddr: DefaultUDPConfigListenAddr,
		RemoteAddr: DefaultUDPConfigRemoteAddr,
	}
}

// Validate checks the configuration.
func (c *UDPConfig) Validate(ac *config.AnomalyCollector) {
	config.CheckNotEmpty(ac, "ListenAddr", &c.ListenAddr, DefaultUDPConfigListenAddr)
	config.CheckNotEmpty(ac, "RemoteAddr", &c.RemoteAddr, DefaultUDPConfigRemoteAddr)
}

/////////////////
//  TRANSPORT  //
/////////////////

var _ Transport = (*UDP)(nil)

// UDP is a transport sending one datagram per message.
type UDP struct {
	*base

	cfg *UDPConfig

	conn   *net.UDPConn
	remote *net.UDPAddr

	closeOnce sync.Once
}

// NewUDP returns a new UDP transport.
func NewUDP(cfg *UDPConfig) *UDP {
	if cfg == nil {
		cfg = NewUDPConfig()
	}

	return &UDP{
		base: newBase("udp"),
		cfg:  cfg,
	}
}

// Init validates the configuration and opens the UDP socket.
func (u *UDP) Init(_ context.Context) error {
	u.base.init()
	config.NewValidator(u.tel).Validate(u.cfg)

	listenAddr, err := netip.ParseAddrPort(u.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("transport: invalid UDP listen address: %w", err)
	}

	remoteAddr, err := netip.ParseAddrPort(u.cfg.RemoteAddr)
	if err != nil {
		return fmt.Errorf("transport: invalid UDP remote address: %w", err)
	}

	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(listenAddr))
	if err != nil {
		return err
	}

	u.conn = conn
	u.remote = net.UDPAddrFromAddrPort(remoteAddr)

	return nil
}

// LocalAddr returns the address the transport is listening on.
func (u *UDP) LocalAddr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Run reads the datagrams until the context is done or the transport is closed.
func (u *UDP) Run(ctx context.Context) {
	u.tel.LogInfo("running")

	// Close the socket when the context is done to unblock the read
	stop := context.AfterFunc(ctx, u.Close)
	defer stop()

	buf := make([]byte, udpMaxPayloadSize)

	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || u.closed() {
				return
			}

			u.tel.LogError("failed to read datagram", err)
			continue
		}

		u.receive(ctx, string(buf[:n]))
	}
}

// Deliver sends the string in a single datagram.
func (u *UDP) Deliver(ctx context.Context, s string) error {
	return u.deliver(ctx, s, func(context.Context) error {
		if len(s) > udpMaxPayloadSize {
			return fmt.Errorf("transport: message of %d bytes does not fit a datagram", len(s))
		}

		_, err := u.conn.WriteToUDP([]byte(s), u.remote)
		return err
	})
}

// Close closes the transport.
func (u *UDP) Close() {
	u.closeOnce.Do(func() {
		u.markClosed()

		if u.conn != nil {
			u.conn.Close()
		}
	})
}

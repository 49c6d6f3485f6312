package proxy

import (
	"log/slog"
	"net"
	"time"

	"github.com/die-net/gateproxy/internal/auth"
	"github.com/die-net/gateproxy/internal/dialer"
	"github.com/die-net/gateproxy/internal/stats"
)

const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultRealm           = "Proxy"
	DefaultProxyAgent      = "gateproxy"
)

// Config configures HTTPProxyServer and SOCKS5Server.
type Config struct {
	// Gate and Registry are required. Gate should read connection counts
	// from the same Registry.
	Gate     *auth.Gate
	Registry stats.Registry
	// Dialer opens outbound connections. Nil dials directly.
	Dialer dialer.Dialer

	// ConnectTimeout bounds establishing a tunnel's upstream connection.
	ConnectTimeout time.Duration
	// UpstreamTimeout bounds the wait for an origin's response headers.
	UpstreamTimeout time.Duration
	// IdleTimeout closes a tunnel once either side has been silent this long.
	IdleTimeout time.Duration

	// NegotiationTimeout bounds reading request headers and the SOCKS5
	// handshake.
	NegotiationTimeout time.Duration
	HTTPIdleTimeout    time.Duration
	HTTPMaxIdleConns   int
	KeepAlive          net.KeepAliveConfig

	// Realm is sent in Proxy-Authenticate challenges.
	Realm string
	// ProxyAgent is sent with the CONNECT handshake response.
	ProxyAgent string

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.Dialer == nil {
		c.Dialer = dialer.NewDirectDialer(dialer.Config{KeepAlive: c.KeepAlive})
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.HTTPMaxIdleConns <= 0 {
		c.HTTPMaxIdleConns = 100
	}
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if c.ProxyAgent == "" {
		c.ProxyAgent = DefaultProxyAgent
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil, "")
	}
	return c
}

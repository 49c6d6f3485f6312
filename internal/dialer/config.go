package dialer

import (
	"net"
	"time"
)

// Config holds settings shared by every Dialer.
type Config struct {
	// DialTimeout bounds DNS lookup and TCP connect. Zero leaves it to ctx.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the TLS and CONNECT/SOCKS5 exchange with an
	// upstream proxy.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}

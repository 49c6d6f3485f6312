// Package dialer opens the proxy's outbound connections.
//
// A Dialer either connects to the target directly or chains through an
// upstream HTTP CONNECT or SOCKS5 proxy. The proxy core only sees the
// DialContext method, so upstream chaining is invisible to accounting and
// timeouts.
package dialer

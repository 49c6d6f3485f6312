// Package proxy implements the authenticated forward proxy.
//
// HTTPProxyServer accepts HTTP/1.1 proxy requests, checks Proxy-Authorization
// against an auth.Gate and then either relays a plain request to the origin or
// tunnels a CONNECT request. SOCKS5Server offers the same tunnel behind the
// SOCKS5 username/password method. Both servers attribute every byte that
// crosses the client connection to the authenticated identity, exactly once
// per session, through a stats.Registry.
package proxy

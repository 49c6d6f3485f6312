// Package socks5 holds the SOCKS5 handshake steps shared by the SOCKS5
// front-end and the SOCKS5 upstream dialer.
//
// Wire types come from github.com/txthinking/socks5; this package only
// sequences them and maps failures to errors and reply codes.
package socks5

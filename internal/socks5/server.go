package socks5

import (
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrNoAcceptableMethod is returned when the client offers no method the
// server accepts.
var ErrNoAcceptableMethod = errors.New("socks5: no acceptable auth method")

// CheckFunc decides whether a username/password pair is accepted. Its error
// is returned unchanged from ServerNegotiate.
type CheckFunc func(username, password string) error

// ServerNegotiate runs method selection. With a nil check only the no-auth
// method is accepted; otherwise username/password (RFC 1929) is required and
// check decides.
func ServerNegotiate(conn net.Conn, check CheckFunc) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if check == nil {
		if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
			writeNoAcceptableMethods(conn)
			return ErrNoAcceptableMethod
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
		writeNoAcceptableMethods(conn)
		return ErrNoAcceptableMethod
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}

	urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if err := check(string(urq.Uname), string(urq.Passwd)); err != nil {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return err
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	return nil
}

// Request is a parsed client request.
type Request struct {
	Cmd  byte
	Atyp byte
	// Address is the host:port target.
	Address string
}

// ServerReadRequest reads the client's request.
func ServerReadRequest(conn net.Conn) (Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return Request{}, fmt.Errorf("request: %w", err)
	}
	return Request{Cmd: req.Cmd, Atyp: req.Atyp, Address: req.Address()}, nil
}

package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/die-net/gateproxy/internal/auth"
	"github.com/die-net/gateproxy/internal/socks5"
	"github.com/die-net/gateproxy/internal/stats"
)

// SOCKS5Server is a SOCKS5 front-end to the same gate, registry and tunnel
// relay as HTTPProxyServer. Clients authenticate with the username/password
// method; every session is a tunnel.
type SOCKS5Server struct {
	ctx context.Context
	cfg Config

	mu     sync.Mutex
	closed bool
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup
}

// NewSOCKS5Server returns a SOCKS5 server. Cancelling ctx closes every
// open tunnel.
func NewSOCKS5Server(ctx context.Context, cfg Config) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg.withDefaults(), conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections on ln until it fails or the server is closed,
// in which case it returns net.ErrClosed.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	ln = trackConns(ln)
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		if !s.track(c) {
			_ = c.Close()
			return net.ErrClosed
		}
		go func() {
			defer s.untrack(c)
			s.handleConn(c)
		}()
	}
}

// Close closes every client connection and waits for their sessions to be
// torn down. Connections accepted afterwards are closed unserved. The
// listener is owned by the caller.
func (s *SOCKS5Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

// track registers c unless the server is closed. Registration and the
// WaitGroup increment happen under mu so Close never races an Add.
func (s *SOCKS5Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *SOCKS5Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *SOCKS5Server) handleConn(conn net.Conn) {
	sess := newSession(&s.cfg, conn, conn.RemoteAddr().String(), stats.KindTunnel)
	defer func() {
		if p := recover(); p != nil {
			err := &InternalError{Panic: p}
			sess.fail(err)
			sess.log.Error("panic serving socks5 client", "error", err)
		}
		_ = conn.Close()
		sess.teardown()
	}()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	var identity string
	var checkErr error
	err := socks5.ServerNegotiate(conn, func(user, pass string) error {
		identity, checkErr = s.cfg.Gate.Check(s.ctx, auth.Credentials{Identity: user, Secret: pass}, sess.clientAddr)
		return checkErr
	})
	if err != nil {
		var ae *auth.Error
		switch {
		case errors.As(err, &ae):
			sess.reject()
			s.cfg.Metrics.rejection(ae.Reason.String())
			sess.log.Info("authentication rejected", "reason", ae.Reason.String(), "identity", ae.Identity)
		case errors.Is(err, socks5.ErrNoAcceptableMethod):
			sess.reject()
			s.cfg.Metrics.rejection(auth.Missing.String())
			sess.log.Info("authentication rejected", "reason", auth.Missing.String())
		case checkErr != nil:
			sess.log.Error("authentication failed", "error", &InternalError{Err: checkErr})
		default:
			sess.log.Debug("socks5 negotiation failed", "error", err)
		}
		return
	}
	sess.accept(identity)

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		sess.fail(err)
		return
	}
	if req.Cmd != socks5.CmdConnect {
		sess.fail(errors.New("unsupported socks5 command"))
		_ = socks5.WriteReply(conn, socks5.RepCommandNotSupported, req.Atyp)
		return
	}

	target, err := parseTarget(req.Address)
	if err != nil {
		sess.fail(err)
		_ = socks5.WriteReply(conn, socks5.RepHostUnreachable, req.Atyp)
		return
	}
	sess.setTarget(target)

	upstream, err := dialTarget(s.ctx, &s.cfg, target)
	if err != nil {
		sess.fail(err)
		sess.log.Info("tunnel connect failed", "error", err)
		_ = socks5.WriteReply(conn, socks5.RepHostUnreachable, req.Atyp)
		return
	}

	_ = conn.SetDeadline(time.Time{})
	if err := socks5.WriteSuccessReply(conn, upstream.LocalAddr()); err != nil {
		_ = upstream.Close()
		sess.fail(err)
		return
	}
	sess.setState(stateTunneling)

	if err := CopyBidirectional(s.ctx, conn, upstream, s.cfg.IdleTimeout); err != nil {
		tunnelEnded(sess, err)
	}
}

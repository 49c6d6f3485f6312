package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// parseTarget validates a CONNECT authority. Both host and port are
// required; no default port is assumed.
func parseTarget(authority string) (string, error) {
	host, port, err := net.SplitHostPort(authority)
	if err != nil {
		reason := MissingPort
		if authority == "" {
			reason = MissingHost
		}
		return "", &TargetError{Target: authority, Reason: reason}
	}
	if host == "" {
		return "", &TargetError{Target: authority, Reason: MissingHost}
	}
	if port == "" {
		return "", &TargetError{Target: authority, Reason: MissingPort}
	}
	return net.JoinHostPort(host, port), nil
}

// dialTarget opens the upstream leg of a tunnel within ConnectTimeout.
func dialTarget(ctx context.Context, cfg *Config, target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	c, err := cfg.Dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, &UpstreamError{Kind: ConnectFailed, Target: target, Err: err}
	}
	return c, nil
}

// relayTunnel serves an accepted CONNECT request. Failures before the
// upstream is connected are answered with 400 or 502 and close the client
// connection. Once the handshake line has been sent, failures only close the
// tunnel.
func (s *HTTPProxyServer) relayTunnel(w *responseWriter, r *http.Request, sess *session) {
	target, err := parseTarget(r.Host)
	if err != nil {
		sess.fail(err)
		sess.log.Info("bad tunnel target", "error", err)
		s.writeError(w, sess, err)
		return
	}
	sess.setTarget(target)

	upstream, err := dialTarget(r.Context(), &s.cfg, target)
	if err != nil {
		sess.fail(err)
		sess.log.Info("tunnel connect failed", "error", err)
		s.writeError(w, sess, err)
		return
	}

	clientConn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		_ = upstream.Close()
		err = &InternalError{Err: fmt.Errorf("hijack: %w", err)}
		sess.fail(err)
		s.writeError(w, sess, err)
		return
	}
	w.responded = true
	w.hijacked = true

	// Clear the header read deadline net/http left on the conn.
	_ = clientConn.SetDeadline(time.Time{})

	_, _ = fmt.Fprintf(brw, "HTTP/1.1 200 Connection Established\r\nProxy-Agent: %s\r\n\r\n", s.cfg.ProxyAgent)
	if err := brw.Flush(); err != nil {
		_ = upstream.Close()
		_ = clientConn.Close()
		sess.fail(fmt.Errorf("write handshake: %w", err))
		return
	}
	sess.setState(stateTunneling)

	// Bytes the client sent right behind the CONNECT head go first.
	if n := brw.Reader.Buffered(); n > 0 {
		head, _ := brw.Reader.Peek(n)
		if _, err := upstream.Write(head); err != nil {
			_ = upstream.Close()
			_ = clientConn.Close()
			sess.fail(classifyUpstream(target, err))
			return
		}
	}

	if err := CopyBidirectional(s.ctx, clientConn, upstream, s.cfg.IdleTimeout); err != nil {
		tunnelEnded(sess, err)
	}
}

// tunnelEnded records why an established tunnel closed. The client only sees
// the connection close.
func tunnelEnded(sess *session, err error) {
	switch {
	case errors.Is(err, ErrIdleTimeout):
		sess.log.Debug("tunnel idle, closing")
	case errors.Is(err, context.Canceled):
		sess.log.Debug("tunnel closed by shutdown")
	default:
		ue := classifyUpstream(sess.target, err)
		ue.Kind = Reset
		sess.fail(ue)
		sess.log.Debug("tunnel reset", "error", err)
	}
}

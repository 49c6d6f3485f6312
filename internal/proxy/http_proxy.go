package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/die-net/gateproxy/internal/auth"
	"github.com/die-net/gateproxy/internal/dialer"
	"github.com/die-net/gateproxy/internal/stats"
)

// HTTPProxyServer serves an authenticated HTTP forward proxy.
//
// It supports:
// - HTTP CONNECT tunneling (via connection hijacking + bidirectional copy)
// - non-CONNECT proxying (via httputil.ReverseProxy)
type HTTPProxyServer struct {
	ctx context.Context
	cfg Config
	srv *http.Server
	rp  *httputil.ReverseProxy
}

// NewHTTPProxyServer constructs an HTTP proxy server with the given config.
//
// Serve starts accepting connections on a listener; Close stops the underlying
// http.Server and, through ctx, every open tunnel.
func NewHTTPProxyServer(ctx context.Context, cfg Config) *HTTPProxyServer {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.withDefaults()

	h := &HTTPProxyServer{ctx: ctx, cfg: cfg}
	h.rp = h.newReverseProxy()
	h.srv = &http.Server{
		Handler:           http.HandlerFunc(h.handle),
		ReadHeaderTimeout: cfg.NegotiationTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return h.ctx
		},
		ConnContext: withConn,
		ConnState:   settleOnState,
		ErrorLog:    slogErrorLog(cfg.Logger),
	}
	return h
}

// Serve serves HTTP proxy requests on ln.
func (s *HTTPProxyServer) Serve(ln net.Listener) error {
	return s.srv.Serve(trackConns(ln))
}

// Close stops the HTTP server.
func (s *HTTPProxyServer) Close() error {
	return s.srv.Close()
}

func (s *HTTPProxyServer) handle(w http.ResponseWriter, r *http.Request) {
	kind := stats.KindHTTP
	if r.Method == http.MethodConnect {
		kind = stats.KindTunnel
	}
	conn := connFromContext(r.Context())
	sess := newSession(&s.cfg, conn, r.RemoteAddr, kind)
	rw := &responseWriter{ResponseWriter: w}

	defer func() {
		p := recover()
		if p != nil && p != http.ErrAbortHandler { //nolint:errorlint // Sentinel panic value.
			err := &InternalError{Panic: p}
			sess.fail(err)
			sess.log.Error("panic serving request", "error", err, "stack", string(debug.Stack()))
			if !rw.responded {
				s.writeError(rw, sess, err)
			}
			p = nil
		}
		s.finish(conn, sess, rw)
		if p != nil {
			panic(p)
		}
	}()

	identity, err := s.cfg.Gate.Validate(r.Context(), r.Header.Get("Proxy-Authorization"), r.RemoteAddr)
	if err != nil {
		if errors.Is(err, auth.ErrAuth) {
			s.reject(rw, sess, err)
			return
		}
		err = &InternalError{Err: err}
		sess.fail(err)
		sess.log.Error("authentication failed", "error", err)
		s.writeError(rw, sess, err)
		return
	}
	sess.accept(identity)

	if kind == stats.KindTunnel {
		s.relayTunnel(rw, r, sess)
		return
	}
	s.relayHTTP(rw, r, sess)
}

// finish tears sess down once its bytes are on the wire. A hijacked tunnel
// is done; otherwise net/http may still hold part of the response, so the
// session waits on the conn for settleOnState.
func (s *HTTPProxyServer) finish(conn net.Conn, sess *session, w *responseWriter) {
	tc, ok := conn.(*trackedConn)
	if !ok || w.hijacked {
		sess.teardown()
		return
	}
	tc.park(sess)
}

// reject answers a failed authentication with a generic 407 challenge. The
// reason is only logged.
func (s *HTTPProxyServer) reject(w *responseWriter, sess *session, err error) {
	sess.reject()

	reason := "unknown"
	var ae *auth.Error
	if errors.As(err, &ae) {
		reason = ae.Reason.String()
		sess.log.Info("authentication rejected", "reason", reason, "identity", ae.Identity)
	}
	s.cfg.Metrics.rejection(reason)

	w.Header().Set("Proxy-Authenticate", "Basic realm="+strconv.Quote(s.cfg.Realm))
	writeStatus(w, http.StatusProxyAuthRequired, false)
}

// writeError answers err with the status from statusFor. Tunnel errors also
// close the client connection.
func (s *HTTPProxyServer) writeError(w *responseWriter, sess *session, err error) {
	if w.responded {
		return
	}
	code := statusFor(err)
	s.cfg.Metrics.error(strconv.Itoa(code))
	writeStatus(w, code, sess.kind == stats.KindTunnel || code == http.StatusInternalServerError)
}

// writeStatus writes a short plain-text response and flushes it so the bytes
// reach the client conn before the session is torn down.
func writeStatus(w http.ResponseWriter, code int, closeConn bool) {
	body := http.StatusText(code) + "\n"
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("X-Content-Type-Options", "nosniff")
	if closeConn {
		h.Set("Connection", "close")
	}
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
	_ = http.NewResponseController(w).Flush()
}

// responseWriter remembers whether a final status has been sent and whether
// the conn was taken over by a tunnel.
type responseWriter struct {
	http.ResponseWriter
	responded bool
	hijacked  bool
}

func (w *responseWriter) WriteHeader(code int) {
	if code >= http.StatusOK || code == http.StatusSwitchingProtocols {
		w.responded = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.responded = true
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type relayKey struct{}

// relayState travels with the outbound request so the reverse proxy hooks can
// reach the session and its timer.
type relayState struct {
	sess  *session
	w     *responseWriter
	timer *time.Timer
}

// relayHTTP forwards a plain HTTP request to its origin. The origin must send
// response headers within UpstreamTimeout or the client gets a 504.
func (s *HTTPProxyServer) relayHTTP(w *responseWriter, r *http.Request, sess *session) {
	// Only absolute-form targets name an origin. An origin-form request
	// ("GET /x") is not proxied to its Host header.
	host := r.URL.Host
	if host == "" {
		err := &TargetError{Target: r.RequestURI, Reason: MissingHost}
		sess.fail(err)
		s.writeError(w, sess, err)
		return
	}
	sess.setTarget(host)
	sess.setState(stateForwarding)

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)

	timer := time.AfterFunc(s.cfg.UpstreamTimeout, func() {
		cancel(errUpstreamTimeout)
	})
	defer timer.Stop()

	ctx = context.WithValue(ctx, relayKey{}, &relayState{sess: sess, w: w, timer: timer})
	s.rp.ServeHTTP(w, r.WithContext(ctx))

	if w.responded {
		_ = http.NewResponseController(w).Flush()
	}
}

func relayFromContext(ctx context.Context) *relayState {
	st, _ := ctx.Value(relayKey{}).(*relayState)
	return st
}

var forwardedHeaders = []string{"X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

func (s *HTTPProxyServer) newReverseProxy() *httputil.ReverseProxy {
	rewrite := func(pr *httputil.ProxyRequest) {
		out := pr.Out
		if out.URL.Scheme == "" {
			out.URL.Scheme = "http"
		}
		out.Header.Del("Proxy-Authorization")
		out.Header.Del("Proxy-Connection")

		// Client supplied forwarding headers pass through untouched; none
		// are added.
		for _, k := range forwardedHeaders {
			if v, ok := pr.In.Header[k]; ok {
				out.Header[k] = v
			}
		}
	}

	modifyResponse := func(resp *http.Response) error {
		st := relayFromContext(resp.Request.Context())
		if st == nil {
			return nil
		}
		if !st.timer.Stop() {
			// Headers arrived after the timeout fired.
			return errUpstreamTimeout
		}
		return nil
	}

	errHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		st := relayFromContext(r.Context())
		if st == nil {
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		sess := st.sess

		if errors.Is(context.Cause(r.Context()), errUpstreamTimeout) {
			err = errUpstreamTimeout
		} else if r.Context().Err() != nil {
			// Client went away; nobody to answer.
			sess.fail(fmt.Errorf("client gone: %w", err))
			return
		}

		ue := classifyUpstream(sess.target, err)
		sess.fail(ue)
		sess.log.Info("upstream request failed", "error", ue, "kind", ue.Kind.String())
		s.writeError(st.w, sess, ue)
	}

	return &httputil.ReverseProxy{
		Rewrite:        rewrite,
		Transport:      s.newTransport(),
		FlushInterval:  10 * time.Millisecond, // Only buffer incomplete responses briefly
		ErrorHandler:   errHandler,
		ModifyResponse: modifyResponse,
		BufferPool:     sharedBuffers,
		ErrorLog:       slogErrorLog(s.cfg.Logger),
	}
}

func (s *HTTPProxyServer) newTransport() http.RoundTripper {
	t := &http.Transport{
		DialContext:         s.cfg.Dialer.DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        s.cfg.HTTPMaxIdleConns,
		MaxIdleConnsPerHost: s.cfg.HTTPMaxIdleConns,
		IdleConnTimeout:     s.cfg.HTTPIdleTimeout,
		TLSHandshakeTimeout: s.cfg.NegotiationTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			ClientSessionCache: tls.NewLRUClientSessionCache(0),
		},
	}

	// For non-CONNECT HTTP proxying, prefer the standard library proxy support when the
	// configured dialer is an HTTP proxy.
	if up, ok := s.cfg.Dialer.(*dialer.HTTPProxyDialer); ok {
		t.Proxy = http.ProxyURL(up.ProxyURL())
		// When using Transport.Proxy, DialContext is used to connect to the proxy itself.
		t.DialContext = up.Direct().DialContext
	}

	return t
}

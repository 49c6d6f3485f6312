package proxy

import (
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/gateproxy/internal/stats"
)

type sessionState int32

const (
	stateCreated sessionState = iota
	stateAuthenticating
	stateRejected
	stateAccepted
	stateForwarding
	stateTunneling
	stateCompleted
	stateFailed
)

var stateNames = [...]string{
	stateCreated:        "created",
	stateAuthenticating: "authenticating",
	stateRejected:       "rejected",
	stateAccepted:       "accepted",
	stateForwarding:     "forwarding",
	stateTunneling:      "tunneling",
	stateCompleted:      "completed",
	stateFailed:         "failed",
}

func (s sessionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeRejected
)

func (o outcome) String() string {
	switch o {
	case outcomeCompleted:
		return "completed"
	case outcomeFailed:
		return "failed"
	default:
		return "rejected"
	}
}

// session is one proxied request or tunnel. It is driven by a single
// goroutine; only teardown may race and is guarded by tornDown.
type session struct {
	id         string
	clientAddr string
	kind       stats.Kind
	identity   string
	target     string
	started    time.Time

	obs      *Observer
	registry stats.Registry
	metrics  *Metrics
	log      *slog.Logger

	state    atomic.Int32
	accepted bool
	err      error
	tornDown atomic.Bool
}

func newSession(cfg *Config, conn net.Conn, clientAddr string, kind stats.Kind) *session {
	s := &session{
		id:         uuid.NewString(),
		clientAddr: clientAddr,
		kind:       kind,
		started:    time.Now(),
		registry:   cfg.Registry,
		metrics:    cfg.Metrics,
	}
	if conn != nil {
		s.obs = ObserverFromConn(conn)
	}
	s.log = cfg.Logger.With("session", s.id, "client", clientAddr, "kind", kind.String())
	s.setState(stateAuthenticating)
	return s
}

func (s *session) setState(st sessionState) {
	s.state.Store(int32(st))
}

func (s *session) current() sessionState {
	return sessionState(s.state.Load())
}

// accept records the authenticated identity and registers the session.
func (s *session) accept(identity string) {
	s.identity = identity
	s.accepted = true
	s.log = s.log.With("identity", identity)
	s.setState(stateAccepted)
	s.registry.OnAccept(identity, s.kind)
	if s.kind == stats.KindTunnel {
		s.metrics.tunnelOpened()
	}
}

func (s *session) reject() {
	s.setState(stateRejected)
}

// fail records the error that ended the session. The first error wins.
func (s *session) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.setState(stateFailed)
}

func (s *session) setTarget(target string) {
	s.target = target
	s.log = s.log.With("target", target)
}

// teardown commits the session's traffic to the registry. Only the first
// call has any effect.
func (s *session) teardown() (uploaded, downloaded int64, ok bool) {
	if !s.tornDown.CompareAndSwap(false, true) {
		return 0, 0, false
	}

	if s.obs != nil {
		uploaded, downloaded = s.obs.Mark()
	}

	o := outcomeRejected
	if s.accepted {
		o = outcomeCompleted
		if s.current() == stateFailed {
			o = outcomeFailed
		} else {
			s.setState(stateCompleted)
		}
		s.registry.OnTeardown(s.identity, uploaded, downloaded, s.kind)
		if s.kind == stats.KindTunnel {
			s.metrics.tunnelClosed()
		}
	}
	s.metrics.finished(s.kind, o, time.Since(s.started).Seconds(), uploaded, downloaded)

	if s.accepted {
		attrs := []any{
			"outcome", o.String(),
			"uploaded", uploaded,
			"downloaded", downloaded,
			"duration", time.Since(s.started),
		}
		if s.err != nil {
			attrs = append(attrs, "error", s.err)
		}
		s.log.Debug("session closed", attrs...)
	}
	return uploaded, downloaded, true
}

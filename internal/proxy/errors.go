package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"

	"github.com/die-net/gateproxy/internal/auth"
)

// TargetReason says what is wrong with a CONNECT target.
type TargetReason int

const (
	MissingHost TargetReason = iota + 1
	MissingPort
)

func (r TargetReason) String() string {
	switch r {
	case MissingHost:
		return "missing host"
	case MissingPort:
		return "missing port"
	default:
		return fmt.Sprintf("target reason(%d)", int(r))
	}
}

// TargetError is a malformed request target.
type TargetError struct {
	Target string
	Reason TargetReason
}

func (e *TargetError) Error() string {
	return fmt.Sprintf("invalid target %q: %s", e.Target, e.Reason)
}

// UpstreamKind classifies an upstream failure.
type UpstreamKind int

const (
	ConnectFailed UpstreamKind = iota + 1
	Timeout
	Reset
)

func (k UpstreamKind) String() string {
	switch k {
	case ConnectFailed:
		return "connect failed"
	case Timeout:
		return "timeout"
	case Reset:
		return "reset"
	default:
		return fmt.Sprintf("upstream kind(%d)", int(k))
	}
}

// UpstreamError is a failure talking to the origin or the next proxy.
type UpstreamError struct {
	Kind   UpstreamKind
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("upstream %s: %s", e.Target, e.Kind)
	}
	return fmt.Sprintf("upstream %s: %s: %v", e.Target, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// InternalError is an unexpected fault inside the proxy, including a
// recovered panic.
type InternalError struct {
	Err   error
	Panic any
}

func (e *InternalError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("internal error: panic: %v", e.Panic)
	}
	return fmt.Sprintf("internal error: %v", e.Err)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

// ErrIdleTimeout ends a tunnel that saw no traffic for the idle timeout.
var ErrIdleTimeout = errors.New("tunnel idle timeout")

var errUpstreamTimeout = errors.New("upstream response timeout")

// statusFor maps an error to the HTTP status sent to the client.
func statusFor(err error) int {
	var (
		te *TargetError
		ue *UpstreamError
	)
	switch {
	case errors.Is(err, auth.ErrAuth):
		return http.StatusProxyAuthRequired
	case errors.As(err, &te):
		return http.StatusBadRequest
	case errors.As(err, &ue):
		if ue.Kind == Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classifyUpstream wraps a transport error as an UpstreamError.
func classifyUpstream(target string, err error) *UpstreamError {
	kind := ConnectFailed
	switch {
	case errors.Is(err, errUpstreamTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		kind = Timeout
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		kind = Reset
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			kind = Timeout
		}
	}
	return &UpstreamError{Kind: kind, Target: target, Err: err}
}

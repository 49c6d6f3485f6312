package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/die-net/gateproxy/internal/auth"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "auth", err: &auth.Error{Reason: auth.Disabled}, want: http.StatusProxyAuthRequired},
		{name: "target", err: &TargetError{Reason: MissingPort}, want: http.StatusBadRequest},
		{name: "connect", err: &UpstreamError{Kind: ConnectFailed}, want: http.StatusBadGateway},
		{name: "reset", err: &UpstreamError{Kind: Reset}, want: http.StatusBadGateway},
		{name: "timeout", err: &UpstreamError{Kind: Timeout}, want: http.StatusGatewayTimeout},
		{name: "wrapped timeout", err: fmt.Errorf("relay: %w", &UpstreamError{Kind: Timeout}), want: http.StatusGatewayTimeout},
		{name: "internal", err: &InternalError{Panic: "boom"}, want: http.StatusInternalServerError},
		{name: "other", err: errors.New("x"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Fatalf("got %d want %d", got, tt.want)
			}
		})
	}
}

func TestClassifyUpstream(t *testing.T) {
	tests := []struct {
		err  error
		want UpstreamKind
	}{
		{err: errUpstreamTimeout, want: Timeout},
		{err: context.DeadlineExceeded, want: Timeout},
		{err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: Reset},
		{err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: ConnectFailed},
	}
	for _, tt := range tests {
		if got := classifyUpstream("t:1", tt.err).Kind; got != tt.want {
			t.Errorf("%v: got %s want %s", tt.err, got, tt.want)
		}
	}
}

package proxy

import (
	"context"
	"fmt"
	"net"
	"syscall"
)

// ListenOptions configure ListenTCP.
type ListenOptions struct {
	KeepAlive net.KeepAliveConfig
	// ReusePort sets SO_REUSEPORT so several processes can share the address.
	ReusePort bool
}

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies opts.KeepAlive to accepted TCP connections.
func ListenTCP(ctx context.Context, network, addr string, opts ListenOptions) (net.Listener, error) {
	lc := net.ListenConfig{KeepAliveConfig: opts.KeepAlive}
	if opts.ReusePort {
		if !reusePortSupported {
			return nil, fmt.Errorf("listen %s %s: SO_REUSEPORT is not supported on this platform", network, addr)
		}
		lc.Control = func(_, _ string, rc syscall.RawConn) error {
			var serr error
			if err := rc.Control(func(fd uintptr) { serr = setReusePort(fd) }); err != nil {
				return err
			}
			return serr
		}
	}

	ln, err := lc.Listen(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return ln, nil
}

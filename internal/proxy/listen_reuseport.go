//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package proxy

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const reusePortSupported = true

func setReusePort(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("set SO_REUSEPORT: %w", err)
	}
	return nil
}

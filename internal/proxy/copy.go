package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CopyBidirectional relays between left and right until either side ends,
// then closes both. With idleTimeout > 0 a side that neither sends nor
// accepts data for that long ends the relay with ErrIdleTimeout. Cancelling
// ctx closes both sides.
//
// Clean EOF and closes caused by the other direction are not errors.
func CopyBidirectional(ctx context.Context, left, right net.Conn, idleTimeout time.Duration) error {
	l, r := newLeg(left), newLeg(right)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return copyLeg(r, l, idleTimeout)
	})
	g.Go(func() error {
		defer closeBoth()
		return copyLeg(l, r, idleTimeout)
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return err
}

// leg is one side of a relay with the time it last moved data.
type leg struct {
	net.Conn
	last atomic.Int64
}

func newLeg(c net.Conn) *leg {
	l := &leg{Conn: c}
	l.touch()
	return l
}

func (l *leg) touch() {
	l.last.Store(time.Now().UnixNano())
}

func (l *leg) lastActive() time.Time {
	return time.Unix(0, l.last.Load())
}

// copyLeg copies src to dst. A read deadline that expires while src was
// still busy writing (the other direction) is renewed.
func copyLeg(dst, src *leg, idle time.Duration) error {
	buf := sharedBuffers.Get()
	defer sharedBuffers.Put(buf)

	for {
		if idle > 0 {
			_ = src.SetReadDeadline(src.lastActive().Add(idle))
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			src.touch()
			if idle > 0 {
				_ = dst.SetWriteDeadline(time.Now().Add(idle))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return relayError(werr)
			}
			dst.touch()
		}
		if rerr != nil {
			if idle > 0 && errors.Is(rerr, os.ErrDeadlineExceeded) && time.Since(src.lastActive()) < idle {
				continue
			}
			return relayError(rerr)
		}
	}
}

func relayError(err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrClosedPipe):
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrIdleTimeout
	default:
		return err
	}
}

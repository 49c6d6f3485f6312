package proxy

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Observer counts the bytes read from and written to a client connection.
type Observer struct {
	rx atomic.Int64
	tx atomic.Int64

	mu       sync.Mutex
	markedRx int64
	markedTx int64
}

// Rx returns the number of bytes read from the client.
func (o *Observer) Rx() int64 {
	return o.rx.Load()
}

// Tx returns the number of bytes written to the client.
func (o *Observer) Tx() int64 {
	return o.tx.Load()
}

// Mark returns the bytes read and written since the previous Mark and
// starts a new interval. Sessions sharing a keep-alive connection each take
// the interval that ends with their teardown.
func (o *Observer) Mark() (rx, tx int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	curRx, curTx := o.rx.Load(), o.tx.Load()
	rx, tx = curRx-o.markedRx, curTx-o.markedTx
	o.markedRx, o.markedTx = curRx, curTx
	return rx, tx
}

// trackedConn is a net.Conn that counts the bytes read and written.
type trackedConn struct {
	net.Conn
	o Observer

	// pending is a served request whose response net/http may still be
	// writing. It is torn down once the conn goes idle, closes or is
	// hijacked.
	pending atomic.Pointer[session]
}

func (c *trackedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.o.rx.Add(int64(n))
	return n, err
}

func (c *trackedConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.o.tx.Add(int64(n))
	return n, err
}

func (c *trackedConn) Observer() *Observer {
	return &c.o
}

// park defers sess's teardown until settle.
func (c *trackedConn) park(sess *session) {
	if prev := c.pending.Swap(sess); prev != nil {
		prev.teardown()
	}
}

// settle tears down the parked session, if any.
func (c *trackedConn) settle() {
	if sess := c.pending.Swap(nil); sess != nil {
		sess.teardown()
	}
}

// settleOnState is an http.Server ConnState hook. net/http reports
// StateIdle and StateClosed only after the last byte of a response,
// including a chunked terminator, has been written.
func settleOnState(c net.Conn, st http.ConnState) {
	switch st {
	case http.StateIdle, http.StateClosed, http.StateHijacked:
		if tc, ok := c.(*trackedConn); ok {
			tc.settle()
		}
	}
}

// ObserverFromConn returns the byte counters of a conn accepted through a
// tracking listener, or nil.
func ObserverFromConn(c net.Conn) *Observer {
	type ifce interface {
		Observer() *Observer
	}
	if o, ok := c.(ifce); ok {
		return o.Observer()
	}
	return nil
}

// trackingListener wraps accepted connections in trackedConn.
type trackingListener struct {
	net.Listener
}

func (l *trackingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &trackedConn{Conn: c}, nil
}

func trackConns(ln net.Listener) net.Listener {
	if _, ok := ln.(*trackingListener); ok {
		return ln
	}
	return &trackingListener{Listener: ln}
}

type connKey struct{}

func withConn(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connKey{}, c)
}

func connFromContext(ctx context.Context) net.Conn {
	c, _ := ctx.Value(connKey{}).(net.Conn)
	return c
}

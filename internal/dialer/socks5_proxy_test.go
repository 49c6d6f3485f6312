package dialer

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	gsocks5 "github.com/die-net/gateproxy/internal/socks5"
	"github.com/die-net/gateproxy/internal/testutil"
)

func TestSOCKS5ProxyDialerDialSuccess(t *testing.T) {
	tests := []struct {
		name string
		user string
		pass string
	}{
		{name: "no_auth"},
		{name: "user_pass", user: "user", pass: "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			echoLn := testutil.StartEchoTCPServer(t, ctx)
			defer echoLn.Close()

			upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
				_ = handleSOCKS5Connect(ctx, c, tt.user, tt.pass)
			})

			f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), tt.user, tt.pass)

			conn, err := f.DialContext(ctx, "tcp", echoLn.Addr().String())
			if err != nil {
				t.Fatal(err)
			}

			testutil.AssertEcho(t, conn, conn, []byte("hello"))

			_ = conn.Close()
			waitUp()
		})
	}
}

func TestSOCKS5ProxyDialerDialContextCancel(t *testing.T) {
	lc := net.ListenConfig{}
	upLn, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer upLn.Close()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		c, err := upLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		// Never answer the greeting.
		_, _ = io.Copy(io.Discard, c)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	_, err = f.DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatalf("expected error")
	}

	_ = upLn.Close()
	<-acceptDone
}

func TestSOCKS5ProxyDialerDialFail(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	upLn, waitUp := testutil.StartSingleAcceptServer(t, ctx, func(c net.Conn) {
		if err := gsocks5.ServerNegotiate(c, nil); err != nil {
			return
		}
		req, err := gsocks5.ServerReadRequest(c)
		if err != nil {
			return
		}
		_ = gsocks5.WriteReply(c, gsocks5.RepConnectionRefused, req.Atyp)
	})

	f := NewSOCKS5ProxyDialer(Config{DialTimeout: 2 * time.Second}, upLn.Addr().String(), "", "")

	_, err := f.DialContext(ctx, "tcp", "127.0.0.1:1")
	var re *gsocks5.ReplyError
	if !errors.As(err, &re) || re.Rep != gsocks5.RepConnectionRefused {
		t.Fatalf("err=%v want connection refused reply", err)
	}

	waitUp()
}

func handleSOCKS5Connect(ctx context.Context, c net.Conn, user, pass string) error {
	var check gsocks5.CheckFunc
	if user != "" || pass != "" {
		check = func(u, p string) error {
			if u != user || p != pass {
				return errors.New("bad credentials")
			}
			return nil
		}
	}
	if err := gsocks5.ServerNegotiate(c, check); err != nil {
		return err
	}

	req, err := gsocks5.ServerReadRequest(c)
	if err != nil {
		return err
	}
	if req.Cmd != gsocks5.CmdConnect {
		return gsocks5.WriteReply(c, gsocks5.RepCommandNotSupported, req.Atyp)
	}

	d := net.Dialer{}
	dst, err := d.DialContext(ctx, "tcp", req.Address)
	if err != nil {
		return gsocks5.WriteReply(c, gsocks5.RepHostUnreachable, req.Atyp)
	}
	defer dst.Close()

	if err := gsocks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return err
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)

	return nil
}

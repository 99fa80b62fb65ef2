package tproxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/erik/mittens/internal/dialer"
	"github.com/erik/mittens/internal/proxy"
	"github.com/erik/mittens/internal/socks5"
	"github.com/erik/mittens/internal/testutil"
)

func startServer(t *testing.T, dst func(net.Conn) (socks5.Endpoint, error)) net.Listener {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	srv := NewServer(ctx, proxy.Config{
		DialTimeout: time.Second,
		Dialer:      dialer.NewDirectDialer(dialer.Config{DialTimeout: time.Second}),
	}, true)
	srv.originalDst = dst

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		if err := <-done; err != nil {
			t.Errorf("serve: %v", err)
		}
		srv.Wait()
	})
	return ln
}

func TestServerForwardsToOriginalDst(t *testing.T) {
	t.Parallel()

	echo := testutil.StartEchoTCPServer(t, t.Context())
	target := socks5.EndpointFromAddr(echo.Addr())

	ln := startServer(t, func(net.Conn) (socks5.Endpoint, error) {
		return target, nil
	})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	testutil.AssertEcho(t, c, c, []byte("redirected"))
}

func TestServerRefusesLoop(t *testing.T) {
	t.Parallel()

	ln := startServer(t, func(c net.Conn) (socks5.Endpoint, error) {
		return socks5.EndpointFromAddr(c.LocalAddr()), nil
	})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))

	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Fatal("expected connection to be closed")
	}
}

//go:build linux

package tproxy

import (
	"net"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/erik/mittens/internal/socks5"
	"github.com/erik/mittens/internal/testutil"
)

func TestOriginalDstFallsBackToLocalAddr(t *testing.T) {
	t.Parallel()

	var (
		got    socks5.Endpoint
		gotErr error
	)
	ln, wait := testutil.StartSingleAcceptServer(t, t.Context(), func(c net.Conn) {
		got, gotErr = OriginalDst(c)
	})

	c, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, _ = c.Read(make([]byte, 1))
	wait()

	if gotErr != nil {
		t.Fatal(gotErr)
	}
	if want := socks5.EndpointFromAddr(ln.Addr()); got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestOriginalDstIPv6FallsBackToLocalAddr(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	defer ln.Close()

	type result struct {
		ep  socks5.Endpoint
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			done <- result{err: err}
			return
		}
		defer c.Close()
		ep, err := OriginalDst(c)
		done <- result{ep: ep, err: err}
	}()

	c, err := net.Dial("tcp6", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	res := <-done
	if res.err != nil {
		t.Fatal(res.err)
	}
	if want := socks5.EndpointFromAddr(ln.Addr()); res.ep != want {
		t.Fatalf("got %s want %s", res.ep, want)
	}
}

func TestIPv6OriginalDstOption(t *testing.T) {
	// IP6T_SO_ORIGINAL_DST shares its value with the IPv4 option.
	if ip6tSOOriginalDst != unix.SO_ORIGINAL_DST {
		t.Fatalf("got %d want %d", ip6tSOOriginalDst, unix.SO_ORIGINAL_DST)
	}
}

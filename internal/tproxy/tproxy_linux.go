//go:build linux

package tproxy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/erik/mittens/internal/conn"
	"github.com/erik/mittens/internal/socks5"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = true

// ip6tSOOriginalDst is IP6T_SO_ORIGINAL_DST from linux/netfilter_ipv6/ip6_tables.h.
const ip6tSOOriginalDst = 80

// ListenTransparentTCP listens on addr with IP_TRANSPARENT enabled so the
// socket can accept connections diverted by TPROXY rules.
//
// This requires CAP_NET_ADMIN. Callers still need the matching iptables/nft
// rules and policy routing.
func ListenTransparentTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{
		KeepAliveConfig: keepAliveConfig,
		Control: func(network, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				if network == "tcp6" {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1)
				} else {
					ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_TRANSPARENT, 1)
				}
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tproxy %s: %w", addr, err)
	}
	return &conn.KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// OriginalDst returns the destination the client originally connected to.
func OriginalDst(c net.Conn) (socks5.Endpoint, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return socks5.Endpoint{}, errors.New("original destination: not a TCP connection")
	}

	local := socks5.EndpointFromAddr(tc.LocalAddr())

	rc, err := tc.SyscallConn()
	if err != nil {
		return socks5.Endpoint{}, fmt.Errorf("original destination: %w", err)
	}

	var (
		dst   socks5.Endpoint
		found bool
	)
	err = rc.Control(func(fd uintptr) {
		if local.Addr.IP.Is6() {
			info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.SOL_IPV6, ip6tSOOriginalDst)
			if err != nil {
				return
			}
			sa := info.Addr
			dst = socks5.Endpoint{
				Addr: socks5.IPAddress(netip.AddrFrom16(sa.Addr)),
				Port: ntohs(sa.Port),
			}
			found = true
			return
		}

		// The kernel fills a sockaddr_in into the 16-byte multiaddr field.
		mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, unix.SO_ORIGINAL_DST)
		if err != nil {
			return
		}
		raw := mreq.Multiaddr
		dst = socks5.Endpoint{
			Addr: socks5.IPAddress(netip.AddrFrom4([4]byte(raw[4:8]))),
			Port: binary.BigEndian.Uint16(raw[2:4]),
		}
		found = true
	})
	if err != nil {
		return socks5.Endpoint{}, fmt.Errorf("original destination: %w", err)
	}
	if !found {
		// TPROXY keeps the original destination as the local address.
		return local, nil
	}
	return dst, nil
}

// ntohs converts a port read from a raw sockaddr, stored in network order.
func ntohs(p uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], p)
	return binary.BigEndian.Uint16(b[:])
}

// Package resolver resolves SOCKS5 domain targets to IP addresses, either
// through the system resolver or by querying a DNS server directly.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// Resolver looks up the IP addresses of host.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// New returns a DNS resolver querying server, or the system resolver when
// server is empty.
func New(server string, timeout time.Duration) Resolver {
	if server == "" {
		return NewSystem()
	}
	return NewDNS(server, timeout)
}

// System resolves through net.DefaultResolver.
type System struct {
	r *net.Resolver
}

func NewSystem() *System {
	return &System{r: net.DefaultResolver}
}

func (s *System) LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error) {
	ips, err := s.r.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	for i, ip := range ips {
		ips[i] = ip.Unmap()
	}
	return ips, nil
}

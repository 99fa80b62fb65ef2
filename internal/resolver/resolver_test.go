package resolver

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func startDNSServer(t *testing.T, records map[string][]string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		addrs, ok := records[q.Name]
		if !ok {
			m.Rcode = dns.RcodeNameError
		}
		for _, a := range addrs {
			ip := netip.MustParseAddr(a)
			hdr := dns.RR_Header{Name: q.Name, Class: dns.ClassINET, Ttl: 60}
			switch {
			case ip.Is4() && q.Qtype == dns.TypeA:
				hdr.Rrtype = dns.TypeA
				m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: ip.AsSlice()})
			case ip.Is6() && q.Qtype == dns.TypeAAAA:
				hdr.Rrtype = dns.TypeAAAA
				m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: ip.AsSlice()})
			}
		}
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSLookup(t *testing.T) {
	server := startDNSServer(t, map[string][]string{
		"dual.test.": {"192.0.2.1", "2001:db8::1"},
		"v6.test.":   {"2001:db8::2"},
	})
	r := NewDNS(server, 2*time.Second)

	tests := []struct {
		host string
		want []string
	}{
		{host: "dual.test", want: []string{"192.0.2.1", "2001:db8::1"}},
		{host: "v6.test", want: []string{"2001:db8::2"}},
		{host: "198.51.100.9", want: []string{"198.51.100.9"}},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			ips, err := r.LookupNetIP(t.Context(), tt.host)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, ip := range ips {
				got = append(got, ip.String())
			}
			if !slices.Equal(got, tt.want) {
				t.Fatalf("got %v want %v", got, tt.want)
			}
		})
	}
}

func TestDNSLookupNXDomain(t *testing.T) {
	server := startDNSServer(t, nil)
	r := NewDNS(server, 2*time.Second)

	ips, err := r.LookupNetIP(t.Context(), "missing.test")
	if err == nil {
		t.Fatalf("expected error, got %v", ips)
	}
}

func TestDNSLookupEmptyAnswer(t *testing.T) {
	server := startDNSServer(t, map[string][]string{"empty.test.": nil})
	r := NewDNS(server, 2*time.Second)

	if _, err := r.LookupNetIP(t.Context(), "empty.test"); !errors.Is(err, ErrNoAddresses) {
		t.Fatalf("got %v", err)
	}
}

func TestSystemLookupLiteral(t *testing.T) {
	ips, err := New("", time.Second).LookupNetIP(t.Context(), "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ips) != 1 || ips[0] != netip.MustParseAddr("127.0.0.1") {
		t.Fatalf("got %v", ips)
	}
}

package socks5

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/erik/mittens/internal/testutil"
)

type staticResolver map[string][]netip.Addr

func (r staticResolver) LookupNetIP(_ context.Context, host string) ([]netip.Addr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	return ips, nil
}

type countingDialer struct {
	calls atomic.Int32
	d     net.Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.calls.Add(1)
	return d.d.DialContext(ctx, network, address)
}

// recordingDialer refuses every dial and remembers the addresses asked for.
type recordingDialer struct {
	mu     sync.Mutex
	dialed []string
}

func (d *recordingDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, address)
	d.mu.Unlock()
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

func (d *recordingDialer) addresses() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

func TestAddressRoundTrip(t *testing.T) {
	res := staticResolver{"example.test": {netip.MustParseAddr("192.0.2.7"), netip.MustParseAddr("2001:db8::1")}}

	tests := []struct {
		name string
		atyp byte
		in   []byte
		want []byte
	}{
		{name: "ipv4", atyp: AtypIPv4, in: []byte{10, 1, 2, 3}, want: []byte{AtypIPv4, 10, 1, 2, 3}},
		{
			name: "ipv6",
			atyp: AtypIPv6,
			in:   netip.MustParseAddr("2001:db8::42").AsSlice(),
			want: append([]byte{AtypIPv6}, netip.MustParseAddr("2001:db8::42").AsSlice()...),
		},
		{
			name: "ipv4_mapped_ipv6",
			atyp: AtypIPv6,
			in:   netip.MustParseAddr("::ffff:10.0.0.1").AsSlice(),
			want: append([]byte{AtypIPv6}, netip.MustParseAddr("::ffff:10.0.0.1").AsSlice()...),
		},
		{
			name: "domain_encodes_first_resolved_ip",
			atyp: AtypDomain,
			in:   append([]byte{12}, "example.test"...),
			want: []byte{AtypIPv4, 192, 0, 2, 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bytes.NewReader(append(tt.in, 0xde, 0xad))
			addr, err := ReadAddress(t.Context(), r, tt.atyp, res)
			if err != nil {
				t.Fatal(err)
			}
			if r.Len() != 2 {
				t.Fatalf("consumed wrong number of bytes, %d left", r.Len())
			}
			if got := AppendAddress(nil, addr); !bytes.Equal(got, tt.want) {
				t.Fatalf("encode: got %x want %x", got, tt.want)
			}
		})
	}
}

func TestReadAddressErrors(t *testing.T) {
	res := staticResolver{"empty.test": nil}

	tests := []struct {
		name string
		atyp byte
		in   []byte
		want error
	}{
		{name: "unknown_atyp", atyp: 0x05, want: ErrAddressNotSupported},
		{name: "invalid_utf8", atyp: AtypDomain, in: []byte{2, 0xff, 0xfe}, want: ErrInvalidEncoding},
		{name: "empty_domain", atyp: AtypDomain, in: []byte{0}, want: ErrInvalidEncoding},
		{name: "nxdomain", atyp: AtypDomain, in: append([]byte{12}, "missing.test"...), want: ErrResolutionFailed},
		{name: "no_addresses", atyp: AtypDomain, in: append([]byte{10}, "empty.test"...), want: ErrResolutionFailed},
		{name: "short_ipv6", atyp: AtypIPv6, in: []byte{1, 2, 3}, want: io.ErrUnexpectedEOF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadAddress(t.Context(), bytes.NewReader(tt.in), tt.atyp, res)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v want %v", err, tt.want)
			}
		})
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in   string
		kind byte
		want string
	}{
		{in: "127.0.0.1:80", kind: AtypIPv4, want: "127.0.0.1:80"},
		{in: "[::1]:443", kind: AtypIPv6, want: "[::1]:443"},
		{in: "example.com:8080", kind: AtypDomain, want: "example.com:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.in)
			if err != nil {
				t.Fatal(err)
			}
			if ep.Addr.Kind != tt.kind || ep.String() != tt.want {
				t.Fatalf("got kind %d %q", ep.Addr.Kind, ep.String())
			}

			back, err := ReadEndpoint(t.Context(), bytes.NewReader(AppendEndpoint(nil, ep)), nil)
			if err != nil {
				t.Fatal(err)
			}
			if back != ep {
				t.Fatalf("got %+v want %+v", back, ep)
			}
		})
	}

	if _, err := ParseEndpoint("example.com:99999"); err == nil {
		t.Fatal("expected error for out of range port")
	}
}

// runSession serves one session on a pipe and returns the client end.
func runSession(t *testing.T, cfg Config) (net.Conn, *Session, *errgroup.Group) {
	t.Helper()

	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	_ = client.SetDeadline(time.Now().Add(5 * time.Second))

	if cfg.Relay == nil {
		cfg.Relay = func(context.Context, net.Conn, net.Conn) error { return nil }
	}
	sess := NewSession(server, cfg)
	var g errgroup.Group
	g.Go(func() error { return sess.Serve(t.Context()) })
	return client, sess, &g
}

func greet(t *testing.T, c net.Conn) {
	t.Helper()

	if _, err := c.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	var rep [2]byte
	if _, err := io.ReadFull(c, rep[:]); err != nil {
		t.Fatal(err)
	}
	if rep != [2]byte{0x05, 0x00} {
		t.Fatalf("unexpected method reply %x", rep)
	}
}

func TestSessionMethodNegotiation(t *testing.T) {
	tests := []struct {
		name    string
		methods []byte
		want    []byte
		wantErr error
	}{
		{name: "no_auth_only", methods: []byte{0x00}, want: []byte{0x05, 0x00}},
		{name: "no_auth_among_others", methods: []byte{0x02, 0x01, 0x00}, want: []byte{0x05, 0x00}},
		{name: "userpass_only", methods: []byte{0x02}, want: []byte{0x05, 0xff}, wantErr: ErrNoAcceptableMethod},
		{name: "no_methods", methods: nil, want: []byte{0x05, 0xff}, wantErr: ErrNoAcceptableMethod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _, g := runSession(t, Config{Dialer: &countingDialer{}})

			hello := append([]byte{0x05, byte(len(tt.methods))}, tt.methods...)
			if _, err := client.Write(hello); err != nil {
				t.Fatal(err)
			}
			got := make([]byte, 2)
			if _, err := io.ReadFull(client, got); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("got %x want %x", got, tt.want)
			}

			if tt.wantErr != nil {
				if rest, _ := io.ReadAll(client); len(rest) != 0 {
					t.Fatalf("unexpected trailing bytes %x", rest)
				}
				if err := g.Wait(); !errors.Is(err, tt.wantErr) {
					t.Fatalf("got %v want %v", err, tt.wantErr)
				}
			}
		})
	}
}

func TestSessionVersionMismatchClosesWithoutReply(t *testing.T) {
	client, sess, g := runSession(t, Config{Dialer: &countingDialer{}})

	if _, err := client.Write([]byte{0x04}); err != nil {
		t.Fatal(err)
	}
	if rest, _ := io.ReadAll(client); len(rest) != 0 {
		t.Fatalf("expected no reply, got %x", rest)
	}
	if err := g.Wait(); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("got %v", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("state %s", sess.State())
	}
}

func TestSessionRejectsNonConnectCommands(t *testing.T) {
	for _, cmd := range []byte{CmdBind, CmdUDPAssociate, 0x04} {
		t.Run(fmt.Sprintf("cmd_%#02x", cmd), func(t *testing.T) {
			d := &countingDialer{}
			client, _, g := runSession(t, Config{Dialer: d})
			greet(t, client)

			if _, err := client.Write([]byte{0x05, cmd, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}); err != nil {
				t.Fatal(err)
			}
			got, _ := io.ReadAll(client)
			want := []byte{0x05, 0x07, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
			if !bytes.Equal(got, want) {
				t.Fatalf("got %x want %x", got, want)
			}
			if err := g.Wait(); !errors.Is(err, ErrCommandNotSupported) {
				t.Fatalf("got %v", err)
			}
			if n := d.calls.Load(); n != 0 {
				t.Fatalf("dialer called %d times", n)
			}
		})
	}
}

func TestSessionUnsupportedAddressType(t *testing.T) {
	d := &countingDialer{}
	client, _, g := runSession(t, Config{Dialer: d})
	greet(t, client)

	if _, err := client.Write([]byte{0x05, 0x01, 0x00, 0x05}); err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(client)
	want := []byte{0x05, 0x08, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
	if err := g.Wait(); !errors.Is(err, ErrAddressNotSupported) {
		t.Fatalf("got %v", err)
	}
	if d.calls.Load() != 0 {
		t.Fatal("dialer must not be called")
	}
}

func TestSessionMalformedRequestCloses(t *testing.T) {
	client, _, g := runSession(t, Config{Dialer: &countingDialer{}})
	greet(t, client)

	if _, err := client.Write([]byte{0x05, 0x01, 0x01, 0x01}); err != nil {
		t.Fatal(err)
	}
	if rest, _ := io.ReadAll(client); len(rest) != 0 {
		t.Fatalf("expected no reply, got %x", rest)
	}
	if err := g.Wait(); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("got %v", err)
	}
}

func TestSessionResolutionFailureRepliesHostUnreachable(t *testing.T) {
	d := &countingDialer{}
	client, _, g := runSession(t, Config{Dialer: d, Resolver: staticResolver{}})
	greet(t, client)

	req := append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "nowhere.foo"...)
	req = append(req, 0x00, 0x50)
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(client)
	want := []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
	if err := g.Wait(); !errors.Is(err, ErrResolutionFailed) {
		t.Fatalf("got %v", err)
	}
	if d.calls.Load() != 0 {
		t.Fatal("dialer must not be called")
	}
}

func TestSessionResolvesDomainTargets(t *testing.T) {
	first := netip.MustParseAddr("192.0.2.7")
	res := staticResolver{"example.test": {first, netip.MustParseAddr("2001:db8::1")}}

	tests := []struct {
		name  string
		cfg   Config
		host  string
		check func(t *testing.T, dialed string)
	}{
		{
			name: "first_address",
			cfg:  Config{Resolver: res},
			host: "example.test",
			check: func(t *testing.T, dialed string) {
				if want := netip.AddrPortFrom(first, 80).String(); dialed != want {
					t.Fatalf("dialed %s want %s", dialed, want)
				}
			},
		},
		{
			name: "system_resolver_by_default",
			host: "localhost",
			check: func(t *testing.T, dialed string) {
				ap, err := netip.ParseAddrPort(dialed)
				if err != nil {
					t.Fatalf("dialed %q, not an IP address: %v", dialed, err)
				}
				if !ap.Addr().IsLoopback() || ap.Port() != 80 {
					t.Fatalf("dialed %s want loopback:80", ap)
				}
			},
		},
		{
			name: "remote_resolve",
			cfg:  Config{Resolver: res, RemoteResolve: true},
			host: "example.test",
			check: func(t *testing.T, dialed string) {
				if dialed != "example.test:80" {
					t.Fatalf("dialed %s want example.test:80", dialed)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &recordingDialer{}
			tt.cfg.Dialer = d
			client, _, g := runSession(t, tt.cfg)
			greet(t, client)

			req := append([]byte{0x05, 0x01, 0x00, 0x03, byte(len(tt.host))}, tt.host...)
			req = append(req, 0x00, 0x50)
			if _, err := client.Write(req); err != nil {
				t.Fatal(err)
			}
			got, _ := io.ReadAll(client)
			if len(got) < 2 || got[1] != byte(ReplyConnectionRefused) {
				t.Fatalf("reply %x want connection refused", got)
			}
			_ = g.Wait()

			dialed := d.addresses()
			if len(dialed) != 1 {
				t.Fatalf("dialed %q, want exactly one address", dialed)
			}
			tt.check(t, dialed[0])
		})
	}
}

func TestSessionConnectSuccess(t *testing.T) {
	echo := testutil.StartEchoTCPServer(t, t.Context())
	ap := netip.MustParseAddrPort(echo.Addr().String())

	relayed := make(chan struct{})
	cfg := Config{
		Dialer:             &countingDialer{},
		NegotiationTimeout: 5 * time.Second,
		Relay: func(_ context.Context, c, target net.Conn) error {
			defer close(relayed)
			buf := make([]byte, 4)
			if _, err := io.ReadFull(c, buf); err != nil {
				return err
			}
			if _, err := target.Write(buf); err != nil {
				return err
			}
			if _, err := io.ReadFull(target, buf); err != nil {
				return err
			}
			_, err := c.Write(buf)
			return err
		},
	}
	client, sess, g := runSession(t, cfg)
	greet(t, client)

	ip := ap.Addr().As4()
	req := []byte{0x05, 0x01, 0x00, 0x01, ip[0], ip[1], ip[2], ip[3], byte(ap.Port() >> 8), byte(ap.Port())}
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}
	rep := make([]byte, 10)
	if _, err := io.ReadFull(client, rep); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rep[:4], []byte{0x05, 0x00, 0x00, 0x01}) {
		t.Fatalf("unexpected reply header %x", rep[:4])
	}
	if !bytes.Equal(rep[4:8], []byte{127, 0, 0, 1}) {
		t.Fatalf("unexpected bound address %x", rep[4:8])
	}

	testutil.AssertEcho(t, client, client, []byte("ping"))
	<-relayed
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := sess.Request().Target.String(); got != ap.String() {
		t.Fatalf("request target %s want %s", got, ap)
	}
}

func TestSessionDialFailureReplyCode(t *testing.T) {
	addr := testutil.ClosedPort(t)
	ap := netip.MustParseAddrPort(addr)

	client, _, g := runSession(t, Config{Dialer: &countingDialer{}})
	greet(t, client)

	ip := ap.Addr().As4()
	req := []byte{0x05, 0x01, 0x00, 0x01, ip[0], ip[1], ip[2], ip[3], byte(ap.Port() >> 8), byte(ap.Port())}
	if _, err := client.Write(req); err != nil {
		t.Fatal(err)
	}
	got, _ := io.ReadAll(client)
	want := []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
	if err := g.Wait(); err == nil {
		t.Fatal("expected dial error")
	}
}

type codedError ReplyCode

func (e codedError) Error() string        { return ReplyCode(e).String() }
func (e codedError) ReplyCode() ReplyCode { return ReplyCode(e) }

func TestReplyCodeForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ReplyCode
	}{
		{name: "nil", err: nil, want: ReplySucceeded},
		{name: "refused", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, want: ReplyConnectionRefused},
		{name: "net_unreachable", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}, want: ReplyNetworkUnreachable},
		{name: "host_unreachable", err: &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.EHOSTUNREACH)}, want: ReplyHostUnreachable},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "x"}, want: ReplyHostUnreachable},
		{name: "resolution", err: fmt.Errorf("wrap: %w", ErrResolutionFailed), want: ReplyHostUnreachable},
		{name: "timeout", err: fmt.Errorf("dial: %w", context.DeadlineExceeded), want: ReplyTTLExpired},
		{name: "coded", err: fmt.Errorf("relay: %w", codedError(ReplyNotAllowed)), want: ReplyNotAllowed},
		{
			name: "coded_wins_over_cause",
			err:  fmt.Errorf("%w: %w", codedError(ReplyGeneralFailure), &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ETIMEDOUT)}),
			want: ReplyGeneralFailure,
		},
		{name: "other", err: errors.New("boom"), want: ReplyGeneralFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplyCodeForError(tt.err); got != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"unicode/utf8"
)

var (
	ErrAddressNotSupported = errors.New("socks5: address type not supported")
	ErrInvalidEncoding     = errors.New("socks5: invalid domain name encoding")
	ErrResolutionFailed    = errors.New("socks5: domain resolution failed")
)

// Resolver turns a domain name into IP addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, host string) ([]netip.Addr, error)
}

// Address is a SOCKS5 destination address. Kind is one of AtypIPv4,
// AtypIPv6 or AtypDomain. For domains, IP holds the selected resolved
// address and is invalid until the name has been resolved.
type Address struct {
	Kind byte
	IP   netip.Addr
	Name string
}

// IPAddress returns the Address for ip, unmapping IPv4-in-IPv6 forms.
func IPAddress(ip netip.Addr) Address {
	ip = ip.Unmap()
	if ip.Is4() {
		return Address{Kind: AtypIPv4, IP: ip}
	}
	return Address{Kind: AtypIPv6, IP: ip}
}

// Resolved reports whether the address has a usable IP.
func (a Address) Resolved() bool { return a.IP.IsValid() }

func (a Address) String() string {
	if a.IP.IsValid() {
		return a.IP.String()
	}
	return a.Name
}

// Resolve returns a copy of a with the first address res returns for its
// name selected. IP addresses are returned unchanged.
func (a Address) Resolve(ctx context.Context, res Resolver) (Address, error) {
	if a.Kind != AtypDomain || a.IP.IsValid() {
		return a, nil
	}
	if ip, err := netip.ParseAddr(a.Name); err == nil {
		a.IP = ip.Unmap()
		return a, nil
	}
	ips, err := res.LookupNetIP(ctx, a.Name)
	if err != nil {
		return a, fmt.Errorf("%w: %s: %w", ErrResolutionFailed, a.Name, err)
	}
	if len(ips) == 0 {
		return a, fmt.Errorf("%w: %s: no addresses", ErrResolutionFailed, a.Name)
	}
	a.IP = ips[0].Unmap()
	return a, nil
}

// ReadAddress reads an address of type atyp from r. IPv4 consumes exactly 4
// bytes, IPv6 exactly 16 and a domain one length byte plus that many bytes.
// Domains are resolved with res unless it is nil.
func ReadAddress(ctx context.Context, r io.Reader, atyp byte, res Resolver) (Address, error) {
	switch atyp {
	case AtypIPv4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Address{}, err
		}
		return Address{Kind: AtypIPv4, IP: netip.AddrFrom4(b)}, nil
	case AtypIPv6:
		var b [16]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Address{}, err
		}
		return Address{Kind: AtypIPv6, IP: netip.AddrFrom16(b)}, nil
	case AtypDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return Address{}, err
		}
		name := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return Address{}, err
		}
		if len(name) == 0 || !utf8.Valid(name) {
			return Address{}, ErrInvalidEncoding
		}
		a := Address{Kind: AtypDomain, Name: string(name)}
		if res == nil {
			return a, nil
		}
		return a.Resolve(ctx, res)
	default:
		return Address{}, fmt.Errorf("%w: %#02x", ErrAddressNotSupported, atyp)
	}
}

// EncodeReplyAddress returns the ATYP and address bytes used to put a on the
// wire. A resolved domain is encoded as its selected IP.
func EncodeReplyAddress(a Address) (byte, []byte) {
	switch {
	case a.IP.Is4():
		b := a.IP.As4()
		return AtypIPv4, b[:]
	case a.IP.IsValid():
		b := a.IP.As16()
		return AtypIPv6, b[:]
	case a.Kind == AtypDomain && a.Name != "" && len(a.Name) <= 255:
		return AtypDomain, []byte(a.Name)
	default:
		return AtypIPv4, []byte{0, 0, 0, 0}
	}
}

// AppendAddress appends the ATYP byte and encoded address to b.
func AppendAddress(b []byte, a Address) []byte {
	atyp, addr := EncodeReplyAddress(a)
	b = append(b, atyp)
	if atyp == AtypDomain {
		b = append(b, byte(len(addr)))
	}
	return append(b, addr...)
}

// Endpoint is a destination address and port. It implements net.Addr.
type Endpoint struct {
	Addr Address
	Port uint16
}

func (e Endpoint) Network() string { return "tcp" }

func (e Endpoint) String() string {
	if e.Addr.IP.IsValid() {
		return netip.AddrPortFrom(e.Addr.IP, e.Port).String()
	}
	return net.JoinHostPort(e.Addr.Name, strconv.Itoa(int(e.Port)))
}

// ReadEndpoint reads ATYP, address and big-endian port from r.
func ReadEndpoint(ctx context.Context, r io.Reader, res Resolver) (Endpoint, error) {
	var atyp [1]byte
	if _, err := io.ReadFull(r, atyp[:]); err != nil {
		return Endpoint{}, err
	}
	addr, err := ReadAddress(ctx, r, atyp[0], res)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := readPort(r)
	if err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Addr: addr, Port: port}, nil
}

// AppendEndpoint appends the wire form of e (ATYP, address, port) to b.
func AppendEndpoint(b []byte, e Endpoint) []byte {
	b = AppendAddress(b, e.Addr)
	return binary.BigEndian.AppendUint16(b, e.Port)
}

// ParseEndpoint parses a host:port string. Hosts that are not IP literals
// become unresolved domain addresses.
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return Endpoint{Addr: IPAddress(ip.WithZone("")), Port: uint16(port)}, nil
	}
	if host == "" || len(host) > 255 {
		return Endpoint{}, fmt.Errorf("%w: %q", ErrInvalidEncoding, host)
	}
	return Endpoint{Addr: Address{Kind: AtypDomain, Name: host}, Port: uint16(port)}, nil
}

// EndpointFromAddr converts a net.Addr, typically a conn's LocalAddr, into
// an Endpoint. Unknown forms yield the zero IPv4 endpoint.
func EndpointFromAddr(a net.Addr) Endpoint {
	switch a := a.(type) {
	case Endpoint:
		return a
	case *net.TCPAddr:
		ap := a.AddrPort()
		if ap.Addr().IsValid() {
			return Endpoint{Addr: IPAddress(ap.Addr()), Port: ap.Port()}
		}
	case nil:
	default:
		if e, err := ParseEndpoint(a.String()); err == nil {
			return e
		}
	}
	return Endpoint{Addr: Address{Kind: AtypIPv4, IP: netip.IPv4Unspecified()}}
}

func readPort(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultRelayPort is used for relay:// upstreams without a port.
const DefaultRelayPort = "9021"

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New parses upstream and constructs the appropriate outbound Dialer.
//
// Supported schemes:
//   - direct://
//   - relay://host[:port]
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)

	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}

	switch u.Scheme {
	case "":
		return nil, errors.New("invalid url: missing scheme")
	case "direct":
		return NewDirectDialer(cfg), nil
	case "relay":
		if u.User != nil {
			return nil, errors.New("invalid url: relay upstream takes no credentials")
		}
		host := u.Hostname()
		if host == "" {
			return nil, errors.New("invalid url: missing relay host")
		}
		port := u.Port()
		if port == "" {
			port = DefaultRelayPort
		}
		d, err := NewRelayDialer(cfg, net.JoinHostPort(host, port))
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
}

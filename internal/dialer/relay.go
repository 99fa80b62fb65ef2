package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-zoox/logger"
	"golang.org/x/sync/singleflight"

	"github.com/erik/mittens/internal/tunnel"
)

// RelayDialer forwards outbound TCP connections through a mittens relay.
//
// It keeps at most one tunnel to the relay and opens one stream per
// DialContext call.
//
// Lifecycle notes:
//   - The tunnel is created lazily on the first DialContext call.
//   - A tunnel that fails is discarded; the next dial establishes a new one
//     with fresh ephemeral keys.
//   - A relay that fails authentication is never retried: every later dial
//     returns the same error.
//   - If opening a stream fails because the tunnel died underneath it, the
//     dialer reconnects once and retries.
type RelayDialer struct {
	relayAddr string
	cfg       tunnel.ClientConfig

	mu     sync.Mutex
	client *tunnel.Client
	fatal  error
	closed bool
	sf     singleflight.Group
}

// NewRelayDialer constructs a dialer that forwards connections via the relay
// at relayAddr.
func NewRelayDialer(cfg Config, relayAddr string) (*RelayDialer, error) {
	if relayAddr == "" {
		return nil, errors.New("relay dialer: missing relay address")
	}
	if cfg.RelayVerifyKey == nil {
		return nil, errors.New("relay dialer: missing relay verify key")
	}

	return &RelayDialer{
		relayAddr: relayAddr,
		cfg: tunnel.ClientConfig{
			Addr:             relayAddr,
			VerifyKey:        cfg.RelayVerifyKey,
			Dialer:           NewDirectDialer(cfg),
			HandshakeTimeout: cfg.HandshakeTimeout,
			OpenTimeout:      cfg.OpenTimeout,
			RekeyInterval:    cfg.RekeyInterval,
			WriteTimeout:     cfg.WriteTimeout,
			MaxStreams:       cfg.MaxStreams,
			MaxFrameSize:     cfg.MaxFrameSize,
		},
	}, nil
}

// DialContext opens a stream through the relay to address.
func (f *RelayDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("relay dial %s %s: unsupported network", network, address)
	}

	client, err := f.getClient(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// A StreamError means the tunnel is healthy and the relay could not
		// reach the destination.
		if !errors.Is(err, tunnel.ErrTunnelLost) {
			return nil, fmt.Errorf("relay dial %s: %w", address, err)
		}

		f.invalidateClient(client)
		client, err2 := f.getClient(ctx)
		if err2 != nil {
			return nil, err
		}
		conn, err = client.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("relay dial %s: %w", address, err)
		}
	}
	return conn, nil
}

// getClient returns the shared tunnel, establishing it if needed.
//
// Uses singleflight so only one connection attempt occurs at a time.
// Callers can bail out early if their context is canceled, while the attempt
// continues for other waiters.
func (f *RelayDialer) getClient(ctx context.Context) (*tunnel.Client, error) {
	f.mu.Lock()
	client, fatal := f.client, f.fatal
	f.mu.Unlock()
	if fatal != nil {
		return nil, fatal
	}
	if client != nil && client.Err() == nil {
		return client, nil
	}

	ch := f.sf.DoChan("connect", func() (any, error) {
		f.mu.Lock()
		if f.client != nil && f.client.Err() == nil {
			c := f.client
			f.mu.Unlock()
			return c, nil
		}
		f.mu.Unlock()

		// Background context: other waiters may still want the result.
		newClient, err := tunnel.Dial(context.Background(), f.cfg)
		if err != nil {
			if errors.Is(err, tunnel.ErrVerifyFailed) {
				logger.Errorf("[tunnel] relay %s failed authentication: %v", f.relayAddr, err)
				f.mu.Lock()
				f.fatal = err
				f.mu.Unlock()
			} else {
				logger.Warnf("[tunnel] relay %s: %v", f.relayAddr, err)
			}
			return nil, err
		}

		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			_ = newClient.Close()
			return nil, errors.New("relay dialer: closed")
		}
		f.client = newClient
		f.mu.Unlock()

		logger.Infof("[tunnel] connected to relay %s", f.relayAddr)
		go f.watch(newClient)
		return newClient, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tunnel.Client), nil
	}
}

// watch discards client as soon as its tunnel ends.
func (f *RelayDialer) watch(client *tunnel.Client) {
	<-client.Done()
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		logger.Warnf("[tunnel] relay %s lost: %v", f.relayAddr, client.Err())
	}
	f.invalidateClient(client)
}

// invalidateClient discards client if it is still the cached tunnel.
func (f *RelayDialer) invalidateClient(client *tunnel.Client) {
	f.mu.Lock()
	if f.client == client {
		f.client = nil
	}
	f.mu.Unlock()
	_ = client.Close()
}

// Close tears down the tunnel, if any.
func (f *RelayDialer) Close() error {
	f.mu.Lock()
	client := f.client
	f.client = nil
	f.closed = true
	f.mu.Unlock()
	if client != nil {
		return client.Close()
	}
	return nil
}

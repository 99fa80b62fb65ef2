package tunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/erik/mittens/internal/socks5"
)

const (
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultOpenTimeout      = 10 * time.Second
	DefaultRekeyInterval    = 10 * time.Minute
	DefaultMaxStreams       = 1024
	DefaultStreamWindow     = 256 << 10
	DefaultMaxPayload       = 16 << 10
	DefaultMaxFrameSize     = 64 << 10
)

var (
	ErrConnectFailed error = tunnelError("tunnel: connect to relay failed")

	errClientClosed = errors.New("tunnel: client closed")
)

// ContextDialer makes the TCP connection to the relay, or from the relay to
// a target.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ClientConfig configures the client end of a tunnel. Zero values select
// the defaults above.
type ClientConfig struct {
	// Addr is the relay's host:port.
	Addr string
	// VerifyKey is the relay's pinned Ed25519 public key.
	VerifyKey *[VerifyKeySize]byte
	// Dialer connects to Addr. Defaults to a net.Dialer.
	Dialer ContextDialer

	// HandshakeTimeout bounds the TCP connect and the handshake.
	HandshakeTimeout time.Duration
	// OpenTimeout bounds how long OpenStream waits for the relay's answer.
	OpenTimeout time.Duration
	// RekeyInterval is how often the send key is rotated. Negative disables.
	RekeyInterval time.Duration
	// WriteTimeout bounds each write to the control connection. Zero means
	// no timeout.
	WriteTimeout time.Duration

	MaxStreams   int
	StreamWindow int
	MaxPayload   int
	MaxFrameSize int

	// Rand supplies challenges and keys. Defaults to crypto/rand.
	Rand io.Reader
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.RekeyInterval == 0 {
		cfg.RekeyInterval = DefaultRekeyInterval
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	cfg.StreamWindow, cfg.MaxPayload, cfg.MaxFrameSize = frameLimits(cfg.StreamWindow, cfg.MaxPayload, cfg.MaxFrameSize)
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	return cfg
}

// frameLimits fills in defaults and keeps a full data message within one
// frame.
func frameLimits(window, payload, frame int) (int, int, int) {
	if window <= 0 {
		window = DefaultStreamWindow
	}
	if payload <= 0 {
		payload = DefaultMaxPayload
	}
	if frame <= 0 {
		frame = DefaultMaxFrameSize
	}
	payload = min(payload, window)
	if overhead := messageHeaderSize + sealOverhead; payload+overhead > frame {
		payload = frame - overhead
	}
	return window, payload, frame
}

// Client is the client end of an established tunnel.
type Client struct {
	cfg ClientConfig
	m   *mux
	sem *semaphore.Weighted
}

// Dial connects to the relay at cfg.Addr and runs the handshake.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.VerifyKey == nil {
		return nil, errors.New("tunnel: missing relay verify key")
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()

	conn, err := cfg.Dialer.DialContext(dctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, cfg.Addr, err)
	}
	return NewClient(dctx, conn, cfg)
}

// NewClient runs the client handshake over an existing connection. conn is
// closed if the handshake fails.
func NewClient(ctx context.Context, conn net.Conn, cfg ClientConfig) (*Client, error) {
	cfg = cfg.withDefaults()
	if cfg.VerifyKey == nil {
		_ = conn.Close()
		return nil, errors.New("tunnel: missing relay verify key")
	}

	_ = conn.SetDeadline(time.Now().Add(cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	fc := NewFrameConn(conn, cfg.MaxFrameSize)
	key, err := clientHandshake(fc, cfg.VerifyKey, cfg.Rand)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	sc := newSealedConn(conn, fc, key, true, cfg.WriteTimeout)
	clear(key[:])

	c := &Client{
		cfg: cfg,
		m: newMux(conn, sc, muxConfig{
			window:     cfg.StreamWindow,
			maxPayload: cfg.MaxPayload,
			maxStreams: cfg.MaxStreams,
		}, nil),
		sem: semaphore.NewWeighted(int64(cfg.MaxStreams)),
	}
	go c.m.readLoop()
	if cfg.RekeyInterval > 0 {
		go c.m.rekeyEvery(cfg.RekeyInterval, cfg.Rand)
	}
	return c, nil
}

// OpenStream asks the relay to connect to target. It blocks while
// MaxStreams streams are open, and until the relay answers, ctx is done or
// the open timeout expires.
func (c *Client) OpenStream(ctx context.Context, target socks5.Endpoint) (*Stream, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	s, err := c.m.allocate(target, func() { c.sem.Release(1) })
	if err != nil {
		c.sem.Release(1)
		return nil, err
	}

	body := socks5.AppendEndpoint(nil, target)
	if err := c.m.send(message{kind: msgOpenStream, id: s.id, body: body}); err != nil {
		_ = s.Close()
		return nil, err
	}

	timer := time.NewTimer(c.cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case err := <-s.opened:
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		_ = s.Close()
		return nil, ctx.Err()
	case <-timer.C:
		_ = s.Close()
		return nil, fmt.Errorf("open %s: %w", target, os.ErrDeadlineExceeded)
	}
}

// DialContext opens a stream to address, a host:port string.
func (c *Client) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("tunnel dial %s %s: unsupported network", network, address)
	}
	target, err := socks5.ParseEndpoint(address)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	return c.OpenStream(ctx, target)
}

// Rekey rotates the client's send key immediately.
func (c *Client) Rekey() error {
	return c.m.rekey(c.cfg.Rand)
}

// NumStreams returns the number of streams currently open.
func (c *Client) NumStreams() int { return c.m.numStreams() }

// Done is closed when the tunnel has failed or been closed.
func (c *Client) Done() <-chan struct{} { return c.m.done }

// Err returns why the tunnel ended, or nil while it is up.
func (c *Client) Err() error {
	select {
	case <-c.m.done:
		return c.m.err
	default:
		return nil
	}
}

func (c *Client) Close() error {
	c.m.fail(errClientClosed)
	return nil
}

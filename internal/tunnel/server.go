package tunnel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-zoox/logger"

	"github.com/erik/mittens/internal/conn"
	"github.com/erik/mittens/internal/resolver"
	"github.com/erik/mittens/internal/socks5"
)

const DefaultDialTimeout = 10 * time.Second

var errServerClosed = errors.New("tunnel: relay server closed")

// ServerConfig configures the relay side.
type ServerConfig struct {
	// Identity is the relay's signing key pair. Required.
	Identity *Identity
	// Dialer connects to stream targets. Defaults to a net.Dialer.
	Dialer ContextDialer
	// Resolver picks the IP dialed for domain targets. Defaults to the
	// system resolver.
	Resolver socks5.Resolver

	HandshakeTimeout time.Duration
	// DialTimeout bounds each outbound connect.
	DialTimeout time.Duration
	// RekeyInterval rotates the relay's send key. Zero or negative disables.
	RekeyInterval time.Duration
	WriteTimeout  time.Duration

	MaxStreams   int
	StreamWindow int
	MaxPayload   int
	MaxFrameSize int

	Verbose bool
	Rand    io.Reader
}

// Server accepts tunnel control connections and makes the outbound
// connections their streams ask for.
type Server struct {
	cfg      ServerConfig
	listener net.Listener

	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// NewServer returns a relay serving control connections accepted from ln.
func NewServer(ln net.Listener, cfg ServerConfig) (*Server, error) {
	if cfg.Identity == nil || cfg.Identity.Private == nil {
		return nil, errors.New("relay server: missing signing key")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.NewSystem()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxStreams <= 0 {
		cfg.MaxStreams = DefaultMaxStreams
	}
	cfg.StreamWindow, cfg.MaxPayload, cfg.MaxFrameSize = frameLimits(cfg.StreamWindow, cfg.MaxPayload, cfg.MaxFrameSize)
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}

	return &Server{
		cfg:      cfg,
		listener: ln,
		shutdown: make(chan struct{}),
	}, nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts and handles control connections until the server is closed
// or ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("relay server accept: %w", err)
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return nil
		}
		s.wg.Go(func() {
			s.handleConn(ctx, c)
		})
		s.mu.Unlock()
	}
}

// Close stops accepting, tears down every tunnel and waits for them.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.shutdown)
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	peer := c.RemoteAddr()

	_ = c.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	fc := NewFrameConn(c, s.cfg.MaxFrameSize)
	handshaking := make(chan struct{})
	go func() {
		select {
		case <-s.shutdown:
			_ = c.Close()
		case <-handshaking:
		}
	}()
	key, err := serverHandshake(fc, s.cfg.Identity, s.cfg.Rand)
	close(handshaking)
	if err != nil {
		logger.Warnf("[relay] handshake with %s failed: %v", peer, err)
		return
	}
	_ = c.SetDeadline(time.Time{})

	sc := newSealedConn(c, fc, key, false, s.cfg.WriteTimeout)
	clear(key[:])

	// Stream contexts end only after the tunnel has failed, so clients see
	// the tunnel loss instead of per-stream resets.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	var streams sync.WaitGroup
	m := newMux(c, sc, muxConfig{
		window:     s.cfg.StreamWindow,
		maxPayload: s.cfg.MaxPayload,
		maxStreams: s.cfg.MaxStreams,
	}, func(st *Stream, target socks5.Endpoint) {
		streams.Go(func() {
			s.handleStream(streamCtx, st, target)
		})
	})

	go func() {
		select {
		case <-ctx.Done():
			m.fail(errServerClosed)
		case <-s.shutdown:
			m.fail(errServerClosed)
		case <-m.done:
		}
		cancel()
	}()

	if s.cfg.RekeyInterval > 0 {
		go m.rekeyEvery(s.cfg.RekeyInterval, s.cfg.Rand)
	}

	if s.cfg.Verbose {
		logger.Infof("[relay] tunnel from %s established", peer)
	}
	m.readLoop()
	streams.Wait()

	if s.cfg.Verbose {
		logger.Infof("[relay] tunnel from %s closed: %v", peer, m.err)
	}
}

func (s *Server) handleStream(ctx context.Context, st *Stream, target socks5.Endpoint) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	var dst net.Conn
	addr, err := target.Addr.Resolve(dctx, s.cfg.Resolver)
	if err == nil {
		target.Addr = addr
		dst, err = s.cfg.Dialer.DialContext(dctx, "tcp", target.String())
	}
	cancel()
	if err != nil {
		code := socks5.ReplyCodeForError(err)
		if s.cfg.Verbose {
			logger.Warnf("[relay][stream %d] dial %s: %v (%s)", st.id, target, err, code)
		}
		st.reject(code, &StreamError{Code: code})
		return
	}

	if err := st.accept(socks5.EndpointFromAddr(dst.LocalAddr())); err != nil {
		_ = dst.Close()
		_ = st.Close()
		return
	}

	if s.cfg.Verbose {
		logger.Debugf("[relay][stream %d] connected to %s", st.id, target)
	}
	if err := conn.CopyBidirectional(ctx, st, dst); err != nil && s.cfg.Verbose {
		logger.Debugf("[relay][stream %d] %s: %v", st.id, target, err)
	}
}

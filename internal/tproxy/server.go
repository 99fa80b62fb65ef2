package tproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/go-zoox/logger"

	"github.com/erik/mittens/internal/conn"
	"github.com/erik/mittens/internal/proxy"
	"github.com/erik/mittens/internal/socks5"
)

type Server struct {
	ctx     context.Context
	cfg     proxy.Config
	verbose bool

	// originalDst is OriginalDst outside of tests.
	originalDst func(net.Conn) (socks5.Endpoint, error)

	wg sync.WaitGroup
}

func NewServer(ctx context.Context, cfg proxy.Config, verbose bool) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, cfg: cfg, verbose: verbose, originalDst: OriginalDst}
}

// Serve accepts redirected connections until ln is closed. It returns nil if
// ln was closed because the server's context ended.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Go(func() {
			if err := s.handle(c); err != nil && s.verbose {
				logger.Warnf("[tproxy] %s: %v", c.RemoteAddr(), err)
			}
		})
	}
}

// Wait blocks until every accepted connection has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) handle(c net.Conn) error {
	defer c.Close()

	dst, err := s.originalDst(c)
	if err != nil {
		return err
	}
	if dst == socks5.EndpointFromAddr(c.LocalAddr()) && dst.Addr.IP.IsLoopback() {
		return fmt.Errorf("refusing to proxy %s to itself", dst)
	}

	dctx := s.ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	up, err := s.cfg.Dialer.DialContext(dctx, "tcp", dst.String())
	if err != nil {
		return err
	}
	defer up.Close()

	if s.verbose {
		logger.Debugf("[tproxy] %s -> %s", c.RemoteAddr(), dst)
	}
	if err := conn.CopyBidirectional(s.ctx, c, up); err != nil {
		return fmt.Errorf("%s: %w", dst, err)
	}
	return nil
}

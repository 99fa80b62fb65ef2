package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/go-zoox/logger"

	"github.com/erik/mittens/internal/conn"
	"github.com/erik/mittens/internal/socks5"
)

type SOCKS5Server struct {
	ctx     context.Context
	cfg     socks5.Config
	verbose bool

	wg sync.WaitGroup
}

func NewSOCKS5Server(ctx context.Context, cfg Config, verbose bool) *SOCKS5Server {
	sc := socks5.Config{
		Dialer:             cfg.Dialer,
		Resolver:           cfg.Resolver,
		RemoteResolve:      cfg.RemoteResolve,
		Relay:              conn.CopyBidirectional,
		NegotiationTimeout: cfg.NegotiationTimeout,
		DialTimeout:        cfg.DialTimeout,
	}
	return &SOCKS5Server{ctx: ctx, cfg: sc, verbose: verbose}
}

// Serve accepts connections until ln is closed. It returns nil if ln was
// closed because the server's context ended.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && s.ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.wg.Go(func() {
			s.handleConn(c)
		})
	}
}

// Wait blocks until every accepted session has finished.
func (s *SOCKS5Server) Wait() {
	s.wg.Wait()
}

func (s *SOCKS5Server) handleConn(c net.Conn) {
	sess := socks5.NewSession(c, s.cfg)
	err := sess.Serve(s.ctx)
	if !s.verbose {
		return
	}

	req := sess.Request()
	switch {
	case err == nil, errors.Is(err, io.EOF):
		logger.Debugf("[socks5] %s -> %s: done", c.RemoteAddr(), req.Target)
	case req.Target.Port == 0:
		logger.Warnf("[socks5] %s: %v", c.RemoteAddr(), err)
	default:
		logger.Warnf("[socks5] %s -> %s: %v", c.RemoteAddr(), req.Target, err)
	}
}

package socks5

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync/atomic"
	"time"

	"github.com/erik/mittens/internal/resolver"
)

var (
	ErrVersionMismatch     = errors.New("socks5: unsupported protocol version")
	ErrNoAcceptableMethod  = errors.New("socks5: no acceptable authentication method")
	ErrMalformedRequest    = errors.New("socks5: malformed request")
	ErrCommandNotSupported = errors.New("socks5: command not supported")
)

// State is the position of a Session in the SOCKS5 exchange.
type State int32

const (
	StateAwaitingGreeting State = iota
	StateNegotiatingAuth
	StateAwaitingRequest
	StateDialing
	StateRelaying
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting-greeting"
	case StateNegotiatingAuth:
		return "negotiating-auth"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateDialing:
		return "dialing"
	case StateRelaying:
		return "relaying"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Dialer opens the outbound connection for a CONNECT request.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// RelayFunc pumps bytes between the client and the target until both
// directions are done.
type RelayFunc func(ctx context.Context, client, target net.Conn) error

// Config controls a Session.
type Config struct {
	Dialer Dialer
	// Resolver turns domain targets into the single IP that is dialed.
	// Defaults to the system resolver.
	Resolver Resolver
	// RemoteResolve passes domain targets to Dialer unresolved instead.
	RemoteResolve bool
	Relay         RelayFunc

	// NegotiationTimeout bounds everything from the greeting to the reply.
	NegotiationTimeout time.Duration
	// DialTimeout bounds the outbound connect.
	DialTimeout time.Duration
}

// Request is a parsed SOCKS5 request.
type Request struct {
	Command byte
	Target  Endpoint
}

// Session runs the server side of one SOCKS5 connection.
type Session struct {
	cfg   Config
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	state atomic.Int32
	req   Request
}

func NewSession(conn net.Conn, cfg Config) *Session {
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.NewSystem()
	}
	return &Session{
		cfg:  cfg,
		conn: conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriterSize(conn, 512),
	}
}

// State returns the current state. It is safe to call concurrently.
func (s *Session) State() State { return State(s.state.Load()) }

// Request returns the request once it has been read.
func (s *Session) Request() Request { return s.req }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Serve runs the session to completion and closes the client connection.
func (s *Session) Serve(ctx context.Context) error {
	defer s.setState(StateClosed)
	defer s.conn.Close()

	target, err := s.Negotiate(ctx)
	if err != nil {
		return err
	}
	defer target.Close()

	s.setState(StateRelaying)
	if s.cfg.Relay == nil {
		return errors.New("socks5: no relay function configured")
	}
	return s.cfg.Relay(ctx, s.clientConn(), target)
}

// Negotiate runs the exchange up to and including the success reply and
// returns the connected target. On error the appropriate reply, if any, has
// been written and the caller should close the client connection.
func (s *Session) Negotiate(ctx context.Context) (net.Conn, error) {
	if s.cfg.NegotiationTimeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
		defer s.conn.SetDeadline(time.Time{})
	}

	if err := s.readGreeting(); err != nil {
		return nil, err
	}
	req, err := s.readRequest(ctx)
	if err != nil {
		return nil, err
	}
	s.req = req

	s.setState(StateDialing)
	dctx := ctx
	if s.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, s.cfg.DialTimeout)
		defer cancel()
	}
	target, err := s.cfg.Dialer.DialContext(dctx, "tcp", req.Target.String())
	if err != nil {
		s.replyError(ReplyCodeForError(err))
		return nil, fmt.Errorf("dial %s: %w", req.Target, err)
	}

	if err := WriteReply(s.bw, ReplySucceeded, EndpointFromAddr(target.LocalAddr())); err != nil {
		target.Close()
		return nil, fmt.Errorf("success reply: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		target.Close()
		return nil, fmt.Errorf("success reply: %w", err)
	}
	return target, nil
}

func (s *Session) readGreeting() error {
	s.setState(StateAwaitingGreeting)
	ver, err := s.br.ReadByte()
	if err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if ver != Version {
		return fmt.Errorf("%w: %#02x", ErrVersionMismatch, ver)
	}

	s.setState(StateNegotiatingAuth)
	n, err := s.br.ReadByte()
	if err != nil {
		return fmt.Errorf("read methods: %w", err)
	}
	methods := make([]byte, int(n))
	if _, err := io.ReadFull(s.br, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	method := MethodNoAuth
	if !slices.Contains(methods, MethodNoAuth) {
		method = MethodNoAcceptable
	}
	if err := writeMethodReply(s.bw, method); err != nil {
		return fmt.Errorf("method reply: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("method reply: %w", err)
	}
	if method == MethodNoAcceptable {
		return ErrNoAcceptableMethod
	}
	return nil
}

func (s *Session) readRequest(ctx context.Context) (Request, error) {
	s.setState(StateAwaitingRequest)
	var hdr [4]byte
	if _, err := io.ReadFull(s.br, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	if hdr[0] != Version {
		return Request{}, fmt.Errorf("%w: request version %#02x", ErrVersionMismatch, hdr[0])
	}
	if hdr[2] != 0x00 {
		return Request{}, fmt.Errorf("%w: reserved byte %#02x", ErrMalformedRequest, hdr[2])
	}
	cmd, atyp := hdr[1], hdr[3]

	addr, err := ReadAddress(ctx, s.br, atyp, nil)
	if err != nil {
		if errors.Is(err, ErrAddressNotSupported) || errors.Is(err, ErrInvalidEncoding) {
			s.replyError(ReplyCodeForError(err))
		}
		return Request{}, fmt.Errorf("read address: %w", err)
	}
	port, err := readPort(s.br)
	if err != nil {
		return Request{}, fmt.Errorf("read port: %w", err)
	}
	req := Request{Command: cmd, Target: Endpoint{Addr: addr, Port: port}}

	if cmd != CmdConnect {
		s.replyError(ReplyCommandNotSupported)
		return req, fmt.Errorf("%w: %#02x", ErrCommandNotSupported, cmd)
	}

	if !s.cfg.RemoteResolve {
		req.Target.Addr, err = addr.Resolve(ctx, s.cfg.Resolver)
		if err != nil {
			s.replyError(ReplyHostUnreachable)
			return req, err
		}
	}
	return req, nil
}

func (s *Session) replyError(rep ReplyCode) {
	if err := WriteErrorReply(s.bw, rep); err != nil {
		return
	}
	_ = s.bw.Flush()
}

// clientConn returns the client connection with any bytes already buffered
// during negotiation kept in front of it.
func (s *Session) clientConn() net.Conn {
	if s.br.Buffered() == 0 {
		return s.conn
	}
	return &bufferedConn{Conn: s.conn, r: s.br}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

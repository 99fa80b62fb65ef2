package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/erik/mittens/internal/socks5"
)

var (
	// ErrTunnelLost is returned by every stream of a tunnel whose control
	// connection failed.
	ErrTunnelLost error = tunnelError("tunnel: control connection lost")

	errWindowOverrun = errors.New("tunnel: peer overran stream window")
)

// tunnelError is a failure of the tunnel itself rather than of one target.
// It maps to a SOCKS5 general failure whatever caused it.
type tunnelError string

func (e tunnelError) Error() string { return string(e) }

func (e tunnelError) ReplyCode() socks5.ReplyCode { return socks5.ReplyGeneralFailure }

// StreamError reports that the relay refused or reset a stream. Code is the
// SOCKS5 reply code describing why.
type StreamError struct {
	Code socks5.ReplyCode
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("tunnel: stream failed: %s", e.Code)
}

func (e *StreamError) ReplyCode() socks5.ReplyCode { return e.Code }

type StreamState int32

const (
	StreamOpening StreamState = iota
	StreamOpen
	StreamHalfClosed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpening:
		return "opening"
	case StreamOpen:
		return "open"
	case StreamHalfClosed:
		return "half-closed"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("stream-state(%d)", int32(s))
	}
}

// Stream is one multiplexed connection carried by a tunnel. It implements
// net.Conn and CloseWrite.
type Stream struct {
	id     uint32
	m      *mux
	target socks5.Endpoint

	opened     chan error
	readReady  chan struct{}
	writeReady chan struct{}
	rd, wd     *deadline

	finishOnce sync.Once
	release    func()

	mu         sync.Mutex
	state      StreamState
	bound      net.Addr
	rbuf       bytes.Buffer
	consumed   int
	sendWindow int
	remoteEOF  bool
	localEOF   bool
	closed     bool
	err        error
}

func newStream(m *mux, id uint32, target socks5.Endpoint, release func()) *Stream {
	return &Stream{
		id:         id,
		m:          m,
		target:     target,
		opened:     make(chan error, 1),
		readReady:  make(chan struct{}, 1),
		writeReady: make(chan struct{}, 1),
		rd:         newDeadline(),
		wd:         newDeadline(),
		release:    release,
		sendWindow: m.cfg.window,
	}
}

func notify(c chan struct{}) {
	select {
	case c <- struct{}{}:
	default:
	}
}

func (s *Stream) ID() uint32 { return s.id }

func (s *Stream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stream) Read(p []byte) (int, error) {
	for {
		if isClosed(s.rd.wait()) {
			return 0, os.ErrDeadlineExceeded
		}

		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return 0, net.ErrClosed
		case s.rbuf.Len() > 0:
			n, _ := s.rbuf.Read(p)
			s.consumed += n
			var credit int
			if s.consumed >= s.m.cfg.window/2 && !s.remoteEOF && s.err == nil {
				credit, s.consumed = s.consumed, 0
			}
			s.mu.Unlock()
			if credit > 0 {
				_ = s.m.send(windowMessage(s.id, credit))
			}
			return n, nil
		case s.err != nil:
			err := s.err
			s.mu.Unlock()
			return 0, err
		case s.remoteEOF:
			s.mu.Unlock()
			return 0, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.readReady:
		case <-s.rd.wait():
		}
	}
}

func (s *Stream) Write(p []byte) (int, error) {
	var written int
	for written < len(p) {
		if isClosed(s.wd.wait()) {
			return written, os.ErrDeadlineExceeded
		}

		s.mu.Lock()
		var err error
		switch {
		case s.closed:
			err = net.ErrClosed
		case s.err != nil:
			err = s.err
		case s.localEOF:
			err = io.ErrClosedPipe
		}
		if err != nil {
			s.mu.Unlock()
			return written, err
		}
		if s.sendWindow == 0 {
			s.mu.Unlock()
			select {
			case <-s.writeReady:
			case <-s.wd.wait():
			}
			continue
		}
		n := min(len(p)-written, s.sendWindow, s.m.cfg.maxPayload)
		s.sendWindow -= n
		s.mu.Unlock()

		if err := s.m.send(message{kind: msgStreamData, id: s.id, body: p[written : written+n]}); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// CloseWrite tells the peer no more data will be sent. Reads continue
// until the peer closes its side.
func (s *Stream) CloseWrite() error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return net.ErrClosed
	case s.err != nil:
		err := s.err
		s.mu.Unlock()
		return err
	case s.localEOF:
		s.mu.Unlock()
		return nil
	}
	s.localEOF = true
	done := s.remoteEOF
	s.updateStateLocked()
	s.mu.Unlock()

	notify(s.writeReady)
	err := s.m.send(message{kind: msgStreamClose, id: s.id})
	if done {
		s.finish()
	}
	return err
}

// Close releases the stream. If the peer may still send data the stream is
// reset, otherwise it is closed gracefully.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.rbuf.Reset()
	var msg *message
	switch {
	case s.err != nil:
	case !s.remoteEOF:
		msg = &message{kind: msgStreamFailed, id: s.id, body: []byte{byte(socks5.ReplyGeneralFailure)}}
	case !s.localEOF:
		msg = &message{kind: msgStreamClose, id: s.id}
	}
	s.state = StreamClosed
	s.mu.Unlock()

	notify(s.readReady)
	notify(s.writeReady)
	if msg != nil {
		_ = s.m.send(*msg)
	}
	s.finish()
	return nil
}

func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == nil {
		return s.m.conn.LocalAddr()
	}
	return s.bound
}

func (s *Stream) RemoteAddr() net.Addr { return s.target }

func (s *Stream) SetDeadline(t time.Time) error {
	s.rd.set(t)
	s.wd.set(t)
	return nil
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	s.rd.set(t)
	return nil
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	s.wd.set(t)
	return nil
}

func (s *Stream) updateStateLocked() {
	switch {
	case s.closed || s.err != nil || (s.localEOF && s.remoteEOF):
		s.state = StreamClosed
	case s.localEOF || s.remoteEOF:
		s.state = StreamHalfClosed
	}
}

// finish removes the stream from its tunnel once it is fully done.
func (s *Stream) finish() {
	s.finishOnce.Do(func() {
		s.m.remove(s)
		if s.release != nil {
			s.release()
		}
	})
}

// markOpen completes a pending open with the relay's bound address.
func (s *Stream) markOpen(bound net.Addr) {
	s.mu.Lock()
	if s.state != StreamOpening {
		s.mu.Unlock()
		return
	}
	s.state = StreamOpen
	s.bound = bound
	s.mu.Unlock()

	select {
	case s.opened <- nil:
	default:
	}
}

// accept is the relay side of markOpen: it tells the client the target is
// connected.
func (s *Stream) accept(bound socks5.Endpoint) error {
	s.mu.Lock()
	if s.closed || s.err != nil {
		err := s.err
		s.mu.Unlock()
		if err == nil {
			err = net.ErrClosed
		}
		return err
	}
	s.state = StreamOpen
	s.bound = bound
	s.mu.Unlock()

	return s.m.send(message{kind: msgStreamOpened, id: s.id, body: socks5.AppendEndpoint(nil, bound)})
}

// reject resets the stream on both ends, telling the peer code. It is used
// by the relay when an open fails and by either side on a window overrun.
func (s *Stream) reject(code socks5.ReplyCode, err error) {
	_ = s.m.send(message{kind: msgStreamFailed, id: s.id, body: []byte{byte(code)}})
	s.reset(err)
}

// reset terminates the stream with err without notifying the peer.
func (s *Stream) reset(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	wasOpening := s.state == StreamOpening
	s.state = StreamClosed
	s.mu.Unlock()

	if wasOpening {
		select {
		case s.opened <- err:
		default:
		}
	}
	notify(s.readReady)
	notify(s.writeReady)
	s.finish()
}

func (s *Stream) remoteClose() {
	s.mu.Lock()
	if s.remoteEOF || s.err != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.remoteEOF = true
	done := s.localEOF
	s.updateStateLocked()
	s.mu.Unlock()

	notify(s.readReady)
	if done {
		s.finish()
	}
}

// deliver queues data from the peer. It reports false if the peer sent more
// than the window allows.
func (s *Stream) deliver(b []byte) bool {
	s.mu.Lock()
	if s.closed || s.err != nil || s.remoteEOF {
		s.mu.Unlock()
		return true
	}
	if s.rbuf.Len()+len(b) > s.m.cfg.window {
		s.mu.Unlock()
		return false
	}
	s.rbuf.Write(b)
	s.mu.Unlock()

	notify(s.readReady)
	return true
}

func (s *Stream) addCredit(n int) {
	s.mu.Lock()
	s.sendWindow += n
	s.mu.Unlock()
	notify(s.writeReady)
}

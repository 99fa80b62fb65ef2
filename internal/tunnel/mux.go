package tunnel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/erik/mittens/internal/socks5"
)

var errStreamLimit = errors.New("tunnel: too many streams")

type muxConfig struct {
	window     int
	maxPayload int
	maxStreams int
}

// mux is the stream table and dispatch loop of one established control
// connection. Both the client and the relay side use it; only the relay
// side has onOpen set, and it is called from the read loop so it must not
// block.
type mux struct {
	conn   net.Conn
	sc     *sealedConn
	cfg    muxConfig
	onOpen func(*Stream, socks5.Endpoint)

	mu      sync.RWMutex
	streams map[uint32]*Stream
	nextID  uint32
	closed  bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

func newMux(conn net.Conn, sc *sealedConn, cfg muxConfig, onOpen func(*Stream, socks5.Endpoint)) *mux {
	return &mux{
		conn:    conn,
		sc:      sc,
		cfg:     cfg,
		onOpen:  onOpen,
		streams: make(map[uint32]*Stream),
		nextID:  1,
		done:    make(chan struct{}),
	}
}

func windowMessage(id uint32, credit int) message {
	return message{kind: msgStreamWindow, id: id, body: binary.BigEndian.AppendUint32(nil, uint32(credit))}
}

func (m *mux) readLoop() {
	defer m.sc.wipeRecv()
	for {
		b, err := m.sc.ReadMessage()
		if err != nil {
			m.fail(err)
			return
		}
		msg, err := parseMessage(b)
		if err != nil {
			m.fail(err)
			return
		}
		if err := m.dispatch(msg); err != nil {
			m.fail(err)
			return
		}
	}
}

func (m *mux) dispatch(msg message) error {
	if msg.kind == msgKeyRotate {
		var key [32]byte
		copy(key[:], msg.body)
		m.sc.setRecvKey(&key)
		clear(key[:])
		clear(msg.body)
		return nil
	}

	if msg.kind == msgOpenStream {
		if m.onOpen == nil {
			return fmt.Errorf("%w: unexpected %s", errMalformedMessage, msg.kind)
		}
		m.handleOpen(msg)
		return nil
	}

	s := m.lookup(msg.id)
	if s == nil {
		// Late message for a stream that is already gone.
		return nil
	}
	switch msg.kind {
	case msgStreamOpened:
		bound, err := socks5.ReadEndpoint(context.Background(), bytes.NewReader(msg.body), nil)
		if err != nil {
			bound = socks5.EndpointFromAddr(nil)
		}
		s.markOpen(bound)
	case msgStreamFailed:
		s.reset(&StreamError{Code: socks5.ReplyCode(msg.body[0])})
	case msgStreamData:
		if !s.deliver(msg.body) {
			s.reject(socks5.ReplyGeneralFailure, errWindowOverrun)
		}
	case msgStreamClose:
		s.remoteClose()
	case msgStreamWindow:
		s.addCredit(int(binary.BigEndian.Uint32(msg.body)))
	}
	return nil
}

func (m *mux) handleOpen(msg message) {
	refuse := func(code socks5.ReplyCode) {
		_ = m.send(message{kind: msgStreamFailed, id: msg.id, body: []byte{byte(code)}})
	}

	target, err := socks5.ReadEndpoint(context.Background(), bytes.NewReader(msg.body), nil)
	if err != nil {
		refuse(socks5.ReplyCodeForError(err))
		return
	}
	s, err := m.register(msg.id, target)
	if err != nil {
		refuse(socks5.ReplyGeneralFailure)
		return
	}
	m.onOpen(s, target)
}

// allocate creates a client-side stream under the next free id.
func (m *mux) allocate(target socks5.Endpoint, release func()) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.lostErr()
	}
	for {
		id := m.nextID
		m.nextID++
		if m.nextID == 0 {
			m.nextID = 1
		}
		if _, used := m.streams[id]; used {
			continue
		}
		s := newStream(m, id, target, release)
		m.streams[id] = s
		return s, nil
	}
}

// register adds a relay-side stream opened by the peer under id.
func (m *mux) register(id uint32, target socks5.Endpoint) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, m.lostErr()
	}
	if _, used := m.streams[id]; used {
		return nil, fmt.Errorf("%w: duplicate stream id %d", errMalformedMessage, id)
	}
	if m.cfg.maxStreams > 0 && len(m.streams) >= m.cfg.maxStreams {
		return nil, errStreamLimit
	}
	s := newStream(m, id, target, nil)
	m.streams[id] = s
	return s, nil
}

func (m *mux) lookup(id uint32) *Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[id]
}

func (m *mux) remove(s *Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.streams[s.id] == s {
		delete(m.streams, s.id)
	}
}

func (m *mux) numStreams() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.streams)
}

func (m *mux) send(msg message) error {
	select {
	case <-m.done:
		return m.lostErr()
	default:
	}
	if err := m.sc.WriteMessage(msg.marshal()); err != nil {
		m.fail(err)
		return m.lostErr()
	}
	return nil
}

// rekey sends a fresh key to the peer and switches the send direction to it.
func (m *mux) rekey(rand io.Reader) error {
	var key [32]byte
	if _, err := io.ReadFull(rand, key[:]); err != nil {
		return fmt.Errorf("rekey: %w", err)
	}
	defer clear(key[:])

	b := message{kind: msgKeyRotate, body: key[:]}.marshal()
	defer clear(b)
	if err := m.sc.writeRekey(b, &key); err != nil {
		m.fail(err)
		return m.lostErr()
	}
	return nil
}

func (m *mux) rekeyEvery(d time.Duration, rand io.Reader) {
	t := time.NewTicker(d)
	defer t.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-t.C:
			if err := m.rekey(rand); err != nil {
				return
			}
		}
	}
}

// fail tears the tunnel down once and terminates every stream.
func (m *mux) fail(err error) {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.err = err
		m.closed = true
		streams := m.streams
		m.streams = nil
		m.mu.Unlock()

		close(m.done)
		_ = m.conn.Close()

		lost := fmt.Errorf("%w: %w", ErrTunnelLost, err)
		for _, s := range streams {
			s.reset(lost)
		}
		m.sc.wipeSend()
	})
}

// lostErr must only be called after m.closed or m.done says the tunnel
// failed.
func (m *mux) lostErr() error {
	return fmt.Errorf("%w: %w", ErrTunnelLost, m.err)
}

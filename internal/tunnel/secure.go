package tunnel

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

var ErrDecrypt = errors.New("tunnel: message authentication failed")

const sealOverhead = secretbox.Overhead

const (
	dirClientToServer byte = 0x01
	dirServerToClient byte = 0x02
)

// cipherState is one direction of a sealed channel. The nonce is the
// direction byte followed by zero padding and a big-endian message counter,
// so it never repeats under a key and is never sent.
type cipherState struct {
	key [32]byte
	dir byte
	seq uint64
}

func (s *cipherState) nonce() *[24]byte {
	var n [24]byte
	n[0] = s.dir
	binary.BigEndian.PutUint64(n[16:], s.seq)
	s.seq++
	return &n
}

func (s *cipherState) rekey(key *[32]byte) {
	s.key = *key
	s.seq = 0
}

func (s *cipherState) wipe() {
	clear(s.key[:])
	s.seq = 0
}

// sealedConn encrypts every frame after the handshake. Writes are
// serialized by wmu; reads must come from a single goroutine.
type sealedConn struct {
	conn         net.Conn
	fc           *FrameConn
	writeTimeout time.Duration

	wmu  sync.Mutex
	send cipherState

	recv cipherState
}

func newSealedConn(conn net.Conn, fc *FrameConn, key *[32]byte, client bool, writeTimeout time.Duration) *sealedConn {
	c := &sealedConn{conn: conn, fc: fc, writeTimeout: writeTimeout}
	c.send.dir, c.recv.dir = dirClientToServer, dirServerToClient
	if !client {
		c.send.dir, c.recv.dir = dirServerToClient, dirClientToServer
	}
	c.send.rekey(key)
	c.recv.rekey(key)
	return c
}

func (c *sealedConn) WriteMessage(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.writeLocked(msg)
}

// writeRekey sends msg under the current key and then switches the send
// direction to next.
func (c *sealedConn) writeRekey(msg []byte, next *[32]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writeLocked(msg); err != nil {
		return err
	}
	c.send.rekey(next)
	return nil
}

func (c *sealedConn) writeLocked(msg []byte) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.fc.WriteFrame(secretbox.Seal(nil, msg, c.send.nonce(), &c.send.key))
}

func (c *sealedConn) ReadMessage() ([]byte, error) {
	frame, err := c.fc.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, ok := secretbox.Open(nil, frame, c.recv.nonce(), &c.recv.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return msg, nil
}

// setRecvKey must be called from the reading goroutine.
func (c *sealedConn) setRecvKey(key *[32]byte) {
	c.recv.rekey(key)
}

func (c *sealedConn) wipeSend() {
	c.wmu.Lock()
	c.send.wipe()
	c.wmu.Unlock()
}

func (c *sealedConn) wipeRecv() {
	c.recv.wipe()
}

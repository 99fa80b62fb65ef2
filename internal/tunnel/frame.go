package tunnel

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const frameHeaderSize = 4

var ErrFrameTooLarge = errors.New("tunnel: frame too large")

// FrameConn reads and writes length-prefixed frames: a 4-byte big-endian
// length followed by that many bytes. It is not safe for concurrent writes.
type FrameConn struct {
	r   *bufio.Reader
	w   io.Writer
	max int
}

func NewFrameConn(rw io.ReadWriter, maxFrameSize int) *FrameConn {
	return &FrameConn{r: bufio.NewReader(rw), w: rw, max: maxFrameSize}
}

// WriteFrame writes p as one frame with a single Write call.
func (c *FrameConn) WriteFrame(p []byte) error {
	if len(p) > c.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(p), c.max)
	}
	buf := make([]byte, frameHeaderSize+len(p))
	binary.BigEndian.PutUint32(buf, uint32(len(p)))
	copy(buf[frameHeaderSize:], p)
	_, err := c.w.Write(buf)
	return err
}

// ReadFrame reads one frame. Oversized lengths are rejected before anything
// is allocated.
func (c *FrameConn) ReadFrame() ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(c.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.max)
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(c.r, p); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return p, nil
}

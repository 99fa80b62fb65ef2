package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type msgKind byte

const (
	msgOpenStream   msgKind = 0x01
	msgStreamOpened msgKind = 0x02
	msgStreamFailed msgKind = 0x03
	msgStreamData   msgKind = 0x04
	msgStreamClose  msgKind = 0x05
	msgKeyRotate    msgKind = 0x06
	msgStreamWindow msgKind = 0x07
)

func (k msgKind) String() string {
	switch k {
	case msgOpenStream:
		return "open"
	case msgStreamOpened:
		return "opened"
	case msgStreamFailed:
		return "failed"
	case msgStreamData:
		return "data"
	case msgStreamClose:
		return "close"
	case msgKeyRotate:
		return "rekey"
	case msgStreamWindow:
		return "window"
	default:
		return fmt.Sprintf("kind(%#02x)", byte(k))
	}
}

const messageHeaderSize = 5

var errMalformedMessage = errors.New("tunnel: malformed message")

// message is the plaintext carried in each sealed frame:
// [kind u8][stream id u32 BE][body].
type message struct {
	kind msgKind
	id   uint32
	body []byte
}

func (m message) marshal() []byte {
	b := make([]byte, messageHeaderSize, messageHeaderSize+len(m.body))
	b[0] = byte(m.kind)
	binary.BigEndian.PutUint32(b[1:], m.id)
	return append(b, m.body...)
}

func parseMessage(b []byte) (message, error) {
	if len(b) < messageHeaderSize {
		return message{}, fmt.Errorf("%w: %d bytes", errMalformedMessage, len(b))
	}
	m := message{
		kind: msgKind(b[0]),
		id:   binary.BigEndian.Uint32(b[1:messageHeaderSize]),
		body: b[messageHeaderSize:],
	}
	switch m.kind {
	case msgStreamFailed:
		if len(m.body) != 1 {
			return message{}, fmt.Errorf("%w: %s body %d bytes", errMalformedMessage, m.kind, len(m.body))
		}
	case msgKeyRotate:
		if len(m.body) != 32 {
			return message{}, fmt.Errorf("%w: %s body %d bytes", errMalformedMessage, m.kind, len(m.body))
		}
	case msgStreamWindow:
		if len(m.body) != 4 {
			return message{}, fmt.Errorf("%w: %s body %d bytes", errMalformedMessage, m.kind, len(m.body))
		}
	case msgStreamClose:
		if len(m.body) != 0 {
			return message{}, fmt.Errorf("%w: %s body %d bytes", errMalformedMessage, m.kind, len(m.body))
		}
	case msgOpenStream, msgStreamOpened, msgStreamData:
	default:
		return message{}, fmt.Errorf("%w: unknown %s", errMalformedMessage, m.kind)
	}
	return m, nil
}

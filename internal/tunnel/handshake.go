package tunnel

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/sign"
)

const (
	challengeSize  = 128
	sessionKeySize = 32
	boxNonceSize   = 24
)

var (
	ErrHandshakeFailed error = tunnelError("tunnel: handshake failed")
	// ErrVerifyFailed marks handshake failures caused by the relay's
	// signature rather than the transport. Retrying will not help.
	ErrVerifyFailed error = tunnelError("tunnel: relay signature does not verify")
)

func handshakeErr(step string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrHandshakeFailed, step)
	}
	return fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, step, err)
}

// clientHandshake authenticates the relay against verifyKey and returns
// the session key it delivered.
func clientHandshake(fc *FrameConn, verifyKey *[VerifyKeySize]byte, rand io.Reader) (*[sessionKeySize]byte, error) {
	challenge := make([]byte, challengeSize)
	if _, err := io.ReadFull(rand, challenge); err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}
	if err := fc.WriteFrame(challenge); err != nil {
		return nil, handshakeErr("send challenge", err)
	}

	signed, err := fc.ReadFrame()
	if err != nil {
		return nil, handshakeErr("read challenge response", err)
	}
	got, ok := sign.Open(nil, signed, verifyKey)
	if !ok || !bytes.Equal(got, challenge) {
		return nil, handshakeErr("challenge response", ErrVerifyFailed)
	}

	ephPub, ephPriv, err := box.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	defer clear(ephPriv[:])
	if err := fc.WriteFrame(ephPub[:]); err != nil {
		return nil, handshakeErr("send ephemeral key", err)
	}

	signed, err = fc.ReadFrame()
	if err != nil {
		return nil, handshakeErr("read relay ephemeral key", err)
	}
	got, ok = sign.Open(nil, signed, verifyKey)
	if !ok || len(got) != 32+challengeSize || !bytes.Equal(got[32:], challenge) {
		return nil, handshakeErr("relay ephemeral key", ErrVerifyFailed)
	}
	var peerPub [32]byte
	copy(peerPub[:], got[:32])

	key := new([sessionKeySize]byte)
	var nonce [boxNonceSize]byte
	if _, err := io.ReadFull(rand, key[:]); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	if _, err := io.ReadFull(rand, nonce[:]); err != nil {
		return nil, fmt.Errorf("session key nonce: %w", err)
	}
	sealed := box.Seal(nonce[:], key[:], &nonce, &peerPub, ephPriv)
	if err := fc.WriteFrame(sealed); err != nil {
		clear(key[:])
		return nil, handshakeErr("send session key", err)
	}
	return key, nil
}

// serverHandshake proves possession of id to the client and receives the
// session key.
func serverHandshake(fc *FrameConn, id *Identity, rand io.Reader) (*[sessionKeySize]byte, error) {
	challenge, err := fc.ReadFrame()
	if err != nil {
		return nil, handshakeErr("read challenge", err)
	}
	if len(challenge) != challengeSize {
		return nil, handshakeErr(fmt.Sprintf("challenge is %d bytes", len(challenge)), nil)
	}
	if err := fc.WriteFrame(sign.Sign(nil, challenge, id.Private)); err != nil {
		return nil, handshakeErr("send challenge response", err)
	}

	b, err := fc.ReadFrame()
	if err != nil {
		return nil, handshakeErr("read client ephemeral key", err)
	}
	if len(b) != 32 {
		return nil, handshakeErr(fmt.Sprintf("client ephemeral key is %d bytes", len(b)), nil)
	}
	var peerPub [32]byte
	copy(peerPub[:], b)

	ephPub, ephPriv, err := box.GenerateKey(rand)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	defer clear(ephPriv[:])
	bound := append(ephPub[:], challenge...)
	if err := fc.WriteFrame(sign.Sign(nil, bound, id.Private)); err != nil {
		return nil, handshakeErr("send ephemeral key", err)
	}

	sealed, err := fc.ReadFrame()
	if err != nil {
		return nil, handshakeErr("read session key", err)
	}
	if len(sealed) < boxNonceSize+box.Overhead {
		return nil, handshakeErr("session key message too short", nil)
	}
	var nonce [boxNonceSize]byte
	copy(nonce[:], sealed)
	opened, ok := box.Open(nil, sealed[boxNonceSize:], &nonce, &peerPub, ephPriv)
	if !ok || len(opened) != sessionKeySize {
		return nil, handshakeErr("session key does not open", nil)
	}
	key := new([sessionKeySize]byte)
	copy(key[:], opened)
	clear(opened)
	return key, nil
}

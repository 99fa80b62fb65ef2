package tunnel

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/sign"
)

const (
	VerifyKeySize  = 32
	SigningKeySize = 64
)

var ErrInvalidKey = errors.New("tunnel: invalid key")

// Identity is the relay's long-term Ed25519 key pair.
type Identity struct {
	Public  *[VerifyKeySize]byte
	Private *[SigningKeySize]byte
}

// GenerateIdentity creates a new key pair from r, or crypto/rand when r is
// nil.
func GenerateIdentity(r io.Reader) (*Identity, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := sign.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Identity{Public: pub, Private: priv}, nil
}

// ParseIdentity decodes a base64 signing key. The public half is taken from
// the last 32 bytes of the private key.
func ParseIdentity(s string) (*Identity, error) {
	b, err := decodeKey(s, SigningKeySize)
	if err != nil {
		return nil, err
	}
	id := &Identity{Public: new([VerifyKeySize]byte), Private: new([SigningKeySize]byte)}
	copy(id.Private[:], b)
	copy(id.Public[:], b[SigningKeySize-VerifyKeySize:])
	return id, nil
}

// LoadIdentity reads a signing key written by WriteIdentity.
func LoadIdentity(path string) (*Identity, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	id, err := ParseIdentity(string(b))
	if err != nil {
		return nil, fmt.Errorf("signing key %s: %w", path, err)
	}
	return id, nil
}

// WriteIdentity stores the private key as base64 text readable only by the
// owner.
func WriteIdentity(path string, id *Identity) error {
	data := EncodeKey(id.Private[:]) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write signing key: %w", err)
	}
	return nil
}

// ParseVerifyKey decodes the relay's base64 public key.
func ParseVerifyKey(s string) (*[VerifyKeySize]byte, error) {
	b, err := decodeKey(s, VerifyKeySize)
	if err != nil {
		return nil, err
	}
	k := new([VerifyKeySize]byte)
	copy(k[:], b)
	return k, nil
}

// LoadVerifyKey reads a base64 public key from path.
func LoadVerifyKey(path string) (*[VerifyKeySize]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verify key: %w", err)
	}
	k, err := ParseVerifyKey(string(b))
	if err != nil {
		return nil, fmt.Errorf("verify key %s: %w", path, err)
	}
	return k, nil
}

func EncodeKey(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeKey(s string, size int) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace([]byte(s))))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), size)
	}
	return b, nil
}

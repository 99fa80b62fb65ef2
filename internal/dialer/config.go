package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// RelayVerifyKey is the pinned public key of the relay server. Required
	// for relay:// upstreams.
	RelayVerifyKey *[32]byte
	// HandshakeTimeout bounds connecting to the relay and the handshake.
	HandshakeTimeout time.Duration
	// OpenTimeout bounds how long the relay may take to answer a stream open.
	OpenTimeout time.Duration
	// RekeyInterval rotates the tunnel send key. Negative disables.
	RekeyInterval time.Duration
	WriteTimeout  time.Duration
	MaxStreams    int
	MaxFrameSize  int
}

//go:build !linux

package tproxy

import (
	"context"
	"errors"
	"net"

	"github.com/erik/mittens/internal/socks5"
)

// IsSupported is true on TPROXY-supporting OSes.
const IsSupported = false

var errUnsupported = errors.New("transparent proxy is only supported on linux")

func ListenTransparentTCP(_ context.Context, _ string, _ net.KeepAliveConfig) (net.Listener, error) {
	return nil, errUnsupported
}

func OriginalDst(_ net.Conn) (socks5.Endpoint, error) {
	return socks5.Endpoint{}, errUnsupported
}

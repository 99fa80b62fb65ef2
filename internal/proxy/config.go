package proxy

import (
	"time"

	"github.com/erik/mittens/internal/dialer"
	"github.com/erik/mittens/internal/resolver"
)

type Config struct {
	NegotiationTimeout time.Duration
	DialTimeout        time.Duration

	Dialer dialer.Dialer
	// Resolver resolves domain targets to the one IP that is dialed.
	// Defaults to the system resolver.
	Resolver resolver.Resolver
	// RemoteResolve hands domain targets to Dialer unresolved. With a relay
	// upstream the relay then resolves them.
	RemoteResolve bool
}

// Package tunnel implements the mittens relay tunnel: one authenticated,
// encrypted TCP control connection between a client and a relay server that
// carries many multiplexed streams, each one an outbound TCP connection made
// by the relay on the client's behalf.
//
// A control connection starts with a handshake. The client sends a random
// 128-byte challenge that the relay must sign with its long-term Ed25519
// key, then the two sides exchange ephemeral Curve25519 keys (the relay's
// signed and bound to the challenge) and the client delivers a fresh
// symmetric session key sealed to the relay's ephemeral key.
//
// After the handshake every frame is a NaCl secretbox under a per-direction
// key with an implicit counter nonce, so reordered, replayed or modified
// frames fail authentication and tear the tunnel down. Either side can
// rotate its sending key in-band.
//
// Inside the sealed channel, messages carry a kind, a stream id and a body.
// Streams are opened only by the client; the relay answers with the bound
// address of its outbound connection or a SOCKS5 reply code.
package tunnel

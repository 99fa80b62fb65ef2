// Package conn holds connection plumbing shared by the SOCKS5 front-end,
// the transparent proxy and the relay server: keepalive listeners, pooled
// copy buffers and bidirectional copy with half-close propagation.
package conn

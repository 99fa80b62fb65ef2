// Package tproxy implements a transparent TCP listener for Linux.
//
// The listener sets IP_TRANSPARENT (IPV6_TRANSPARENT for IPv6) so it can
// accept connections diverted by iptables/nftables TPROXY rules. The original
// destination is read with SO_ORIGINAL_DST when the connection was NATed by a
// REDIRECT rule, and is otherwise the accepted socket's local address.
//
// Each accepted connection is forwarded through the same dialer the SOCKS5
// front-end uses, so with a relay upstream redirected traffic also travels
// over the tunnel.
//
// On other platforms the listener and original-destination lookup return
// errors.
package tproxy

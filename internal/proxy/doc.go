// Package proxy implements the listener side of mittens: the SOCKS5 server
// that accepts local clients and hands each one to a socks5.Session backed
// by the configured outbound dialer.
package proxy

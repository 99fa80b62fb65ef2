// Package dialer provides the outbound dialers behind the SOCKS5 front-end.
//
// Dialers implement a small interface (DialContext). The direct dialer
// connects to targets itself; the relay dialer asks a mittens relay server
// to connect on its behalf over a shared, lazily established tunnel.
package dialer

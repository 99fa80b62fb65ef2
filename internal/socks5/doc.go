// Package socks5 implements the server side of the SOCKS5 protocol (RFC 1928)
// used by mittens: method negotiation, CONNECT request parsing and bit-exact
// reply encoding.
//
// Wire constants and reply writing come from github.com/txthinking/socks5.
// The session state machine is kept here because mittens needs precise
// control over what is read, what is replied and when the connection is
// closed for each class of error.
//
// Only the no-authentication method and the CONNECT command are supported.
// BIND and UDP ASSOCIATE requests are parsed and answered with "command not
// supported".
package socks5

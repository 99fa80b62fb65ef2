package socks5

import (
	"fmt"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// Version is the only protocol version accepted.
	Version byte = 0x05

	// MethodNoAuth is the "no authentication required" method.
	MethodNoAuth = txsocks5.MethodNone
	// MethodNoAcceptable is returned when none of the offered methods is usable.
	MethodNoAcceptable byte = 0xff
)

// Request commands.
const (
	CmdConnect = txsocks5.CmdConnect
	CmdBind    byte = 0x02
	// CmdUDPAssociate is 0x03 per RFC 1928. Some clients send 0x04 for it;
	// both are rejected like any other non-CONNECT command.
	CmdUDPAssociate byte = 0x03
)

// Address types.
const (
	AtypIPv4   = txsocks5.ATYPIPv4
	AtypDomain = txsocks5.ATYPDomain
	AtypIPv6   = txsocks5.ATYPIPv6
)

// ReplyCode is the REP field of a SOCKS5 reply.
type ReplyCode byte

const (
	ReplySucceeded               = ReplyCode(txsocks5.RepSuccess)
	ReplyGeneralFailure          = ReplyCode(0x01)
	ReplyNotAllowed              = ReplyCode(0x02)
	ReplyNetworkUnreachable      = ReplyCode(0x03)
	ReplyHostUnreachable         = ReplyCode(txsocks5.RepHostUnreachable)
	ReplyConnectionRefused       = ReplyCode(txsocks5.RepConnectionRefused)
	ReplyTTLExpired              = ReplyCode(0x06)
	ReplyCommandNotSupported     = ReplyCode(txsocks5.RepCommandNotSupported)
	ReplyAddressTypeNotSupported = ReplyCode(0x08)
)

func (c ReplyCode) String() string {
	switch c {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralFailure:
		return "general failure"
	case ReplyNotAllowed:
		return "connection not allowed"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddressTypeNotSupported:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply(%#02x)", byte(c))
	}
}

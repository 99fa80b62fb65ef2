package socks5

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	txsocks5 "github.com/txthinking/socks5"
)

// WriteReply writes [VER, REP, RSV, ATYP, BND.ADDR, BND.PORT] with bound as
// the bound address.
func WriteReply(w io.Writer, rep ReplyCode, bound Endpoint) error {
	atyp, addr := EncodeReplyAddress(bound.Addr)
	port := binary.BigEndian.AppendUint16(nil, bound.Port)
	_, err := txsocks5.NewReply(byte(rep), atyp, addr, port).WriteTo(w)
	return err
}

// WriteErrorReply writes rep with the all-zero IPv4 bound address
// (05 rep 00 01 00000000 0000).
func WriteErrorReply(w io.Writer, rep ReplyCode) error {
	return WriteReply(w, rep, Endpoint{Addr: Address{Kind: AtypIPv4}})
}

func writeMethodReply(w io.Writer, method byte) error {
	_, err := txsocks5.NewNegotiationReply(method).WriteTo(w)
	return err
}

// ReplyCoder is implemented by errors that carry their own SOCKS5 reply code,
// such as a failure reported by a relay for a remote dial.
type ReplyCoder interface {
	ReplyCode() ReplyCode
}

// ReplyCodeForError maps a dial or request error to the reply sent to the
// client.
func ReplyCodeForError(err error) ReplyCode {
	var rc ReplyCoder
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case err == nil:
		return ReplySucceeded
	case errors.As(err, &rc):
		return rc.ReplyCode()
	case errors.Is(err, ErrAddressNotSupported):
		return ReplyAddressTypeNotSupported
	case errors.Is(err, ErrCommandNotSupported):
		return ReplyCommandNotSupported
	case errors.Is(err, ErrResolutionFailed), errors.Is(err, ErrInvalidEncoding), errors.As(err, &dnsErr):
		return ReplyHostUnreachable
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	case errors.Is(err, syscall.ENETUNREACH):
		return ReplyNetworkUnreachable
	case errors.Is(err, syscall.EHOSTUNREACH):
		return ReplyHostUnreachable
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return ReplyNotAllowed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return ReplyTTLExpired
	case errors.As(err, &netErr) && netErr.Timeout():
		return ReplyTTLExpired
	default:
		return ReplyGeneralFailure
	}
}

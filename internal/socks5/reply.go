package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// Auth configures optional username/password authentication for the client
// side of SOCKS5 negotiation.
type Auth struct {
	Username string
	Password string
}

// WriteSuccessReply writes 05 00 00 01 00 00 00 00 00 00.
func WriteSuccessReply(w io.Writer) error {
	if _, err := newZeroAddrReply(txsocks5.RepSuccess).WriteTo(w); err != nil {
		return fmt.Errorf("socks5 success reply: %w", err)
	}
	return nil
}

// WriteFailureReply writes 05 01 00 01 00 00 00 00 00 00.
func WriteFailureReply(w io.Writer) error {
	if _, err := newZeroAddrReply(txsocks5.RepServerFailure).WriteTo(w); err != nil {
		return fmt.Errorf("socks5 failure reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

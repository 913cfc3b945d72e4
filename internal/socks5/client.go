package socks5

import (
	"errors"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	ErrAuthRequired = errors.New("socks5: server requires username/password")
	ErrAuthFailed   = errors.New("socks5: authentication failed")
)

// ReplyError is a non-success reply to a CONNECT request.
type ReplyError struct {
	Code byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5: connect failed with reply code %d", e.Code)
}

// ClientDial negotiates with the SOCKS5 server on conn and asks it to
// CONNECT to address. Username/password is offered only when auth has a
// username.
func ClientDial(conn net.Conn, auth Auth, address string) error {
	method, err := clientGreet(conn, auth)
	if err != nil {
		return err
	}
	if method == txsocks5.MethodUsernamePassword {
		if err := clientAuthenticate(conn, auth); err != nil {
			return err
		}
	}
	return clientConnect(conn, address)
}

func clientGreet(conn net.Conn, auth Auth) (byte, error) {
	methods := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		methods = append(methods, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(methods).WriteTo(conn); err != nil {
		return 0, fmt.Errorf("socks5 greeting write: %w", err)
	}

	rep, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return 0, fmt.Errorf("socks5 greeting read: %w", err)
	}
	switch rep.Method {
	case txsocks5.MethodNone:
	case txsocks5.MethodUsernamePassword:
		if auth.Username == "" {
			return 0, ErrAuthRequired
		}
	default:
		return 0, fmt.Errorf("socks5: unsupported method %d", rep.Method)
	}
	return rep.Method, nil
}

func clientAuthenticate(conn net.Conn, auth Auth) error {
	req := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password))
	if _, err := req.WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 auth write: %w", err)
	}
	rep, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 auth read: %w", err)
	}
	if rep.Status != txsocks5.UserPassStatusSuccess {
		return ErrAuthFailed
	}
	return nil
}

func clientConnect(conn net.Conn, address string) error {
	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return fmt.Errorf("socks5 address %q: %w", address, err)
	}
	// ParseAddress length-prefixes domains; NewRequest adds its own prefix.
	if atyp == txsocks5.ATYPDomain {
		host = host[1:]
	}

	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 request write: %w", err)
	}
	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5 reply read: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return &ReplyError{Code: rep.Rep}
	}
	return nil
}

package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	txsocks5 "github.com/txthinking/socks5"
)

// State is a step of the server-side handshake.
type State int

const (
	// StateGreeting expects the client's version/methods greeting.
	StateGreeting State = iota
	// StateRequest expects the CONNECT request.
	StateRequest
	// StateResolved has a destination and waits for the forward result.
	StateResolved
	// StateSpliced has sent the success reply; the stream carries payload.
	StateSpliced
	// StateClosed is terminal; the caller must close the socket.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateGreeting:
		return "greeting"
	case StateRequest:
		return "request"
	case StateResolved:
		return "resolved"
	case StateSpliced:
		return "spliced"
	case StateClosed:
		return "closed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

var (
	ErrBadVersion         = errors.New("socks5: unsupported protocol version")
	ErrUnsupportedCommand = errors.New("socks5: unsupported command")
	ErrIPv6Unsupported    = errors.New("socks5: IPv6 destinations are not supported")
	ErrBadAddressType     = errors.New("socks5: unknown address type")
	ErrInvalidTransition  = errors.New("socks5: invalid state transition")
)

// Handshake tracks one client's progress through the SOCKS5 handshake.
//
// The zero value is ready to read a greeting.
type Handshake struct {
	state State
	dest  string
}

// State returns the current state.
func (h *Handshake) State() State {
	return h.state
}

// Destination returns the host:port requested by the client once the
// handshake has reached [StateResolved].
func (h *Handshake) Destination() string {
	return h.dest
}

// Advance performs the read/write for the current input-driven state and
// moves to the next one. Any error leaves the handshake in [StateClosed];
// no reply is written for protocol violations.
func (h *Handshake) Advance(r io.Reader, w io.Writer) error {
	var err error
	switch h.state {
	case StateGreeting:
		err = h.readGreeting(r, w)
	case StateRequest:
		err = h.readRequest(r)
	default:
		return fmt.Errorf("%w: advance from %s", ErrInvalidTransition, h.state)
	}
	if err != nil {
		h.state = StateClosed
	}
	return err
}

// Negotiate advances until the destination is known.
func (h *Handshake) Negotiate(r io.Reader, w io.Writer) (string, error) {
	for h.state != StateResolved {
		if err := h.Advance(r, w); err != nil {
			return "", err
		}
	}
	return h.dest, nil
}

// Connected writes the success reply and moves to [StateSpliced].
func (h *Handshake) Connected(w io.Writer) error {
	if h.state != StateResolved {
		return fmt.Errorf("%w: connected from %s", ErrInvalidTransition, h.state)
	}
	if err := WriteSuccessReply(w); err != nil {
		h.state = StateClosed
		return err
	}
	h.state = StateSpliced
	return nil
}

// Failed writes the general-failure reply and moves to [StateClosed].
func (h *Handshake) Failed(w io.Writer) error {
	if h.state != StateResolved {
		return fmt.Errorf("%w: failed from %s", ErrInvalidTransition, h.state)
	}
	h.state = StateClosed
	return WriteFailureReply(w)
}

func (h *Handshake) readGreeting(r io.Reader, w io.Writer) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("socks5 greeting: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return ErrBadVersion
	}

	methods := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("socks5 greeting methods: %w", err)
	}

	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(w); err != nil {
		return fmt.Errorf("socks5 negotiation reply: %w", err)
	}
	h.state = StateRequest
	return nil
}

func (h *Handshake) readRequest(r io.Reader) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return fmt.Errorf("socks5 request: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return ErrBadVersion
	}
	if hdr[1] != txsocks5.CmdConnect {
		return ErrUnsupportedCommand
	}

	host, err := readAddr(r, hdr[3])
	if err != nil {
		return err
	}

	port := make([]byte, 2)
	if _, err := io.ReadFull(r, port); err != nil {
		return fmt.Errorf("socks5 port: %w", err)
	}

	h.dest = net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port))))
	h.state = StateResolved
	return nil
}

func readAddr(r io.Reader, atyp byte) (string, error) {
	switch atyp {
	case txsocks5.ATYPIPv4:
		b := make([]byte, net.IPv4len)
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("socks5 ipv4 address: %w", err)
		}
		return net.IP(b).String(), nil
	case txsocks5.ATYPDomain:
		n := make([]byte, 1)
		if _, err := io.ReadFull(r, n); err != nil {
			return "", fmt.Errorf("socks5 domain length: %w", err)
		}
		b := make([]byte, int(n[0]))
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("socks5 domain: %w", err)
		}
		return string(b), nil
	case txsocks5.ATYPIPv6:
		return "", ErrIPv6Unsupported
	default:
		return "", ErrBadAddressType
	}
}

package socks5

import (
	"bytes"
	"errors"
	"net"
	"testing"

	"golang.org/x/sync/errgroup"
)

var greeting = []byte{0x05, 0x01, 0x00}

func TestHandshakeNegotiate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		request   []byte
		wantDest  string
		wantErr   error
		wantState State
	}{
		{
			name:      "ipv4",
			request:   []byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantDest:  "127.0.0.1:80",
			wantState: StateResolved,
		},
		{
			name:      "domain",
			request:   append(append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "example.com"...), 0x01, 0xbb),
			wantDest:  "example.com:443",
			wantState: StateResolved,
		},
		{
			name:      "ipv6 rejected",
			request:   []byte{0x05, 0x01, 0x00, 0x04, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0x00, 0x50},
			wantErr:   ErrIPv6Unsupported,
			wantState: StateClosed,
		},
		{
			name:      "bind command rejected",
			request:   []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantErr:   ErrUnsupportedCommand,
			wantState: StateClosed,
		},
		{
			name:      "bad request version",
			request:   []byte{0x04, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50},
			wantErr:   ErrBadVersion,
			wantState: StateClosed,
		},
		{
			name:      "unknown address type",
			request:   []byte{0x05, 0x01, 0x00, 0x09, 127, 0, 0, 1, 0x00, 0x50},
			wantErr:   ErrBadAddressType,
			wantState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := bytes.NewReader(append(append([]byte{}, greeting...), tt.request...))
			var out bytes.Buffer

			var h Handshake
			dest, err := h.Negotiate(in, &out)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if dest != tt.wantDest {
				t.Fatalf("expected destination %q, got %q", tt.wantDest, dest)
			}
			if h.State() != tt.wantState {
				t.Fatalf("expected state %s, got %s", tt.wantState, h.State())
			}
			// Only the method selection is ever written before resolution.
			if !bytes.Equal(out.Bytes(), []byte{0x05, 0x00}) {
				t.Fatalf("unexpected bytes written: % x", out.Bytes())
			}
		})
	}
}

func TestHandshakeBadGreeting(t *testing.T) {
	t.Parallel()

	var h Handshake
	var out bytes.Buffer
	err := h.Advance(bytes.NewReader([]byte{0x04, 0x01, 0x00}), &out)
	if !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected no reply, got % x", out.Bytes())
	}
	if h.State() != StateClosed {
		t.Fatalf("expected closed, got %s", h.State())
	}
}

func TestHandshakeReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		connected bool
		want      []byte
		wantState State
	}{
		{name: "success", connected: true, want: []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, wantState: StateSpliced},
		{name: "failure", want: []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, wantState: StateClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x16}
			var h Handshake
			if _, err := h.Negotiate(bytes.NewReader(append(append([]byte{}, greeting...), req...)), &bytes.Buffer{}); err != nil {
				t.Fatal(err)
			}

			var out bytes.Buffer
			var err error
			if tt.connected {
				err = h.Connected(&out)
			} else {
				err = h.Failed(&out)
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(out.Bytes(), tt.want) {
				t.Fatalf("expected % x, got % x", tt.want, out.Bytes())
			}
			if h.State() != tt.wantState {
				t.Fatalf("expected state %s, got %s", tt.wantState, h.State())
			}
		})
	}
}

func TestHandshakeInvalidTransition(t *testing.T) {
	t.Parallel()

	var h Handshake
	if err := h.Connected(&bytes.Buffer{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestClientDialToHandshake(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	g := errgroup.Group{}
	g.Go(func() error {
		var h Handshake
		dest, err := h.Negotiate(serverConn, serverConn)
		if err != nil {
			return err
		}
		if dest != "example.com:80" {
			return errors.New("unexpected destination " + dest)
		}
		return h.Connected(serverConn)
	})

	if err := ClientDial(clientConn, Auth{}, "example.com:80"); err != nil {
		t.Fatal(err)
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

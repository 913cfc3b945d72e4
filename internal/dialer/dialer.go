package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer opens the TCP stream an SSH client handshakes over.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var defaultPorts = map[string]string{
	"http":   "80",
	"https":  "443",
	"socks5": "1080",
}

// New builds the Dialer for an upstream URL:
//
//   - direct://
//   - http://[user:pass@]host[:port]
//   - https://[user:pass@]host[:port]
//   - socks5://[user:pass@]host[:port]
//
// Proxy URLs without a port get the scheme's default.
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)

	switch {
	case scheme == "":
		return nil, errors.New("invalid url: missing scheme")
	case u.Path != "" && u.Path != "/":
		return nil, errors.New("invalid url: path should be empty")
	case scheme == "direct":
		return NewDirectDialer(cfg), nil
	}

	port, ok := defaultPorts[scheme]
	if !ok {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	u.Scheme = scheme

	user := u.User.Username()
	pass, _ := u.User.Password()

	if scheme == "socks5" {
		return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass), nil
	}
	d, err := NewHTTPProxyDialer(cfg, u, user, pass)
	if err != nil {
		return nil, err
	}
	return d, nil
}

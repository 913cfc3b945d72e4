package dialer

import (
	"bufio"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/die-net/tether/internal/socks5"
)

// httpConnect negotiates with an HTTP CONNECT request.
type httpConnect struct {
	auth string
}

func (h httpConnect) Negotiate(c net.Conn, address string) error {
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if h.auth != "" {
		req.Header.Set("Proxy-Authorization", h.auth)
	}
	if err := req.Write(c); err != nil {
		return fmt.Errorf("write CONNECT: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(c), req)
	if err != nil {
		return fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("CONNECT refused: %s", resp.Status)
	}
	return nil
}

// NewHTTPProxyDialer returns a dialer that tunnels through an http:// or
// https:// proxy with CONNECT. A non-empty username enables Basic auth.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*ProxyDialer, error) {
	if proxyURL == nil || proxyURL.Hostname() == "" {
		return nil, errors.New("http proxy dialer: missing proxy host")
	}

	var tlsCfg *tls.Config
	switch proxyURL.Scheme {
	case "http":
	case "https":
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: proxyURL.Hostname()}
	default:
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	}

	var h httpConnect
	if username != "" {
		h.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return newProxyDialer(cfg, proxyURL.Host, tlsCfg, h), nil
}

// socksConnect negotiates a SOCKS5 CONNECT.
type socksConnect struct {
	auth socks5.Auth
}

func (s socksConnect) Negotiate(c net.Conn, address string) error {
	return socks5.ClientDial(c, s.auth, address)
}

// NewSOCKS5ProxyDialer returns a dialer that tunnels through the SOCKS5
// proxy at proxyAddr. A non-empty username enables username/password auth.
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *ProxyDialer {
	return newProxyDialer(cfg, proxyAddr, nil, socksConnect{auth: socks5.Auth{Username: username, Password: password}})
}

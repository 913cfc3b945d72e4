package dialer

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// Negotiator asks an upstream proxy, over an established stream, to connect
// that stream onward to address.
type Negotiator interface {
	Negotiate(c net.Conn, address string) error
}

// ProxyDialer reaches SSH servers through an upstream proxy. The stream to
// the proxy is opened directly, optionally wrapped in TLS, then handed to a
// Negotiator.
type ProxyDialer struct {
	cfg        Config
	proxyAddr  string
	tls        *tls.Config
	negotiator Negotiator
	direct     Dialer
}

func newProxyDialer(cfg Config, proxyAddr string, tlsCfg *tls.Config, n Negotiator) *ProxyDialer {
	return &ProxyDialer{
		cfg:        cfg,
		proxyAddr:  proxyAddr,
		tls:        tlsCfg,
		negotiator: n,
		direct:     NewDirectDialer(cfg),
	}
}

// DialContext connects to the proxy and negotiates a stream to address.
// NegotiationTimeout bounds everything after the TCP connect.
func (d *ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("proxy dial %s %s: unsupported network", network, address)
	}

	c, err := d.direct.DialContext(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", d.proxyAddr, err)
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(d.cfg.NegotiationTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	if d.tls != nil {
		tc := tls.Client(c, d.tls)
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("proxy %s tls handshake: %w", d.proxyAddr, err)
		}
		c = tc
	}

	if err := d.negotiator.Negotiate(c, address); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("proxy %s connect %s: %w", d.proxyAddr, address, err)
	}

	if d.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Time{})
	}
	return c, nil
}

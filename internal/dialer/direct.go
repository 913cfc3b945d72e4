package dialer

import (
	"context"
	"fmt"
	"net"
)

// DirectDialer connects without a proxy.
type DirectDialer struct {
	net.Dialer
}

// NewDirectDialer applies cfg's dial timeout and keepalive settings.
func NewDirectDialer(cfg Config) *DirectDialer {
	return &DirectDialer{Dialer: net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}}
}

func (d *DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	c, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return c, nil
}

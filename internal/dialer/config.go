package dialer

import (
	"net"
	"time"
)

// Config holds the timeouts and socket options shared by all dialers.
type Config struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}

package conn

import (
	"net"
	"sync"
	"sync/atomic"
)

// Counter accumulates traffic totals for one owner (a pooled connection or a
// tunnel).
type Counter struct {
	sent     atomic.Int64
	received atomic.Int64
}

// Sent returns the bytes written through the owner.
func (c *Counter) Sent() int64 { return c.sent.Load() }

// Received returns the bytes read through the owner.
func (c *Counter) Received() int64 { return c.received.Load() }

// AddSent adds n to the sent total.
func (c *Counter) AddSent(n int64) { c.sent.Add(n) }

// AddReceived adds n to the received total.
func (c *Counter) AddReceived(n int64) { c.received.Add(n) }

// CountingConn wraps a net.Conn and records every byte moved through it in
// Counter. OnClose, if set, runs once after the first Close.
type CountingConn struct {
	net.Conn
	Counter *Counter
	OnClose func()

	closeOnce sync.Once
}

func (c *CountingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.Counter.AddReceived(int64(n))
	}
	return n, err
}

func (c *CountingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	if n > 0 {
		c.Counter.AddSent(int64(n))
	}
	return n, err
}

func (c *CountingConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() {
		if c.OnClose != nil {
			c.OnClose()
		}
	})
	return err
}

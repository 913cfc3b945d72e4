package pool

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tether/internal/conn"
)

// HealthStatus is the outcome of the most recent probe.
type HealthStatus string

const (
	Healthy  HealthStatus = "healthy"
	Degraded HealthStatus = "degraded"
	Failed   HealthStatus = "failed"
)

// Info is a read-only snapshot of a pooled connection.
type Info struct {
	ID               string       `json:"connection_id"`
	Key              string       `json:"key"`
	Host             string       `json:"host"`
	Port             int          `json:"port"`
	Username         string       `json:"username"`
	Connected        bool         `json:"connected"`
	Health           HealthStatus `json:"health_status"`
	CreatedAt        time.Time    `json:"created_at"`
	LastUsed         time.Time    `json:"last_used"`
	BytesSent        int64        `json:"bytes_sent"`
	BytesReceived    int64        `json:"bytes_received"`
	CommandsExecuted int64        `json:"commands_executed"`
	ErrorCount       int64        `json:"error_count"`
	// Via is the ID of the connection this one was tunneled through, if any.
	Via string `json:"via,omitempty"`
}

// connection is the pool's private record for one SSH client. Counters are
// only mutated by the Manager.
type connection struct {
	id        string
	key       string
	cfg       Config
	via       string
	client    *ssh.Client
	createdAt time.Time

	traffic  conn.Counter
	commands atomic.Int64
	errors   atomic.Int64

	mu        sync.Mutex
	lastUsed  time.Time
	health    HealthStatus
	connected bool

	closeOnce sync.Once
}

func (c *connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastUsed = now
	c.mu.Unlock()
}

func (c *connection) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

func (c *connection) setHealth(h HealthStatus) {
	c.mu.Lock()
	c.health = h
	c.mu.Unlock()
}

func (c *connection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		_ = c.client.Close()
	})
}

func (c *connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:               c.id,
		Key:              c.key,
		Host:             c.cfg.Host,
		Port:             c.cfg.Port,
		Username:         c.cfg.Username,
		Connected:        c.connected,
		Health:           c.health,
		CreatedAt:        c.createdAt,
		LastUsed:         c.lastUsed,
		BytesSent:        c.traffic.Sent(),
		BytesReceived:    c.traffic.Received(),
		CommandsExecuted: c.commands.Load(),
		ErrorCount:       c.errors.Load(),
		Via:              c.via,
	}
}

// countingListener counts traffic of forwarded-in connections against the
// owning connection.
type countingListener struct {
	net.Listener
	traffic *conn.Counter
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &conn.CountingConn{Conn: c, Counter: l.traffic}, nil
}

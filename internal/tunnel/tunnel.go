package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/die-net/tether/internal/conn"
)

// Type selects the forwarding direction of a tunnel.
type Type string

const (
	// Local listens locally and forwards out through the SSH server.
	Local Type = "local"
	// Remote asks the SSH server to listen and forwards back to a local
	// address.
	Remote Type = "remote"
	// Dynamic runs a SOCKS5 server locally and forwards each request out
	// through the SSH server.
	Dynamic Type = "dynamic"
)

// Status is the lifecycle state of a tunnel.
type Status string

const (
	Active Status = "active"
	Closed Status = "closed"
)

// DefaultBindAddress is used when Config.BindAddress is empty.
const DefaultBindAddress = "127.0.0.1"

var (
	ErrUnknownTunnelType  = errors.New("unknown tunnel type")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrTunnelNotFound     = errors.New("tunnel not found")
	ErrInvalidConfig      = errors.New("invalid tunnel configuration")
)

// Config describes a tunnel. Which fields are used depends on Type:
//
//   - local: BindAddress:LocalPort is forwarded to RemoteHost:RemotePort.
//   - remote: BindAddress:RemotePort on the server is forwarded to
//     LocalHost:LocalPort.
//   - dynamic: a SOCKS5 server listens on BindAddress:SOCKSPort.
type Config struct {
	Type         Type   `json:"type" yaml:"type"`
	ConnectionID string `json:"connection_id" yaml:"connection_id"`
	BindAddress  string `json:"bind_address,omitempty" yaml:"bind_address"`
	LocalHost    string `json:"local_host,omitempty" yaml:"local_host"`
	LocalPort    int    `json:"local_port,omitempty" yaml:"local_port"`
	RemoteHost   string `json:"remote_host,omitempty" yaml:"remote_host"`
	RemotePort   int    `json:"remote_port,omitempty" yaml:"remote_port"`
	SOCKSPort    int    `json:"socks_port,omitempty" yaml:"socks_port"`
}

// Validate checks that the fields required by Type are present.
func (c Config) Validate() error {
	switch c.Type {
	case Local:
		if c.RemoteHost == "" || c.RemotePort <= 0 {
			return fmt.Errorf("%w: local tunnel needs remote host and port", ErrInvalidConfig)
		}
	case Remote:
		if c.LocalPort <= 0 {
			return fmt.Errorf("%w: remote tunnel needs local port", ErrInvalidConfig)
		}
	case Dynamic:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTunnelType, c.Type)
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 || c.RemotePort < 0 || c.RemotePort > 65535 || c.SOCKSPort < 0 || c.SOCKSPort > 65535 {
		return fmt.Errorf("%w: port out of range", ErrInvalidConfig)
	}
	return nil
}

func (c Config) bindAddress() string {
	if c.BindAddress == "" {
		return DefaultBindAddress
	}
	return c.BindAddress
}

func (c Config) localHost() string {
	if c.LocalHost == "" {
		return DefaultBindAddress
	}
	return c.LocalHost
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Info is a read-only snapshot of a tunnel.
type Info struct {
	ID               string    `json:"tunnel_id"`
	Type             Type      `json:"type"`
	ConnectionID     string    `json:"connection_id"`
	Status           Status    `json:"status"`
	LocalEndpoint    string    `json:"local_endpoint"`
	RemoteEndpoint   string    `json:"remote_endpoint"`
	BytesTransferred int64     `json:"bytes_transferred"`
	Connections      int64     `json:"connections"`
	Errors           int64     `json:"errors"`
	CreatedAt        time.Time `json:"created_at"`
	Config           Config    `json:"config"`
}

type tunnel struct {
	id             string
	cfg            Config
	localEndpoint  string
	remoteEndpoint string
	createdAt      time.Time
	ln             net.Listener

	traffic  conn.Counter
	accepted atomic.Int64
	errors   atomic.Int64
	status   atomic.Value // Status

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (t *tunnel) info() Info {
	return Info{
		ID:               t.id,
		Type:             t.cfg.Type,
		ConnectionID:     t.cfg.ConnectionID,
		Status:           t.status.Load().(Status),
		LocalEndpoint:    t.localEndpoint,
		RemoteEndpoint:   t.remoteEndpoint,
		BytesTransferred: t.traffic.Sent() + t.traffic.Received(),
		Connections:      t.accepted.Load(),
		Errors:           t.errors.Load(),
		CreatedAt:        t.createdAt,
		Config:           t.cfg,
	}
}

// stop closes the listener, cancels in-flight forwards and waits for them.
func (t *tunnel) stop() {
	t.status.Store(Closed)
	t.cancel()
	_ = t.ln.Close()
	t.wg.Wait()
}

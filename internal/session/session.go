package session

import (
	"errors"
	"time"

	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/tunnel"
)

const (
	DefaultCheckInterval       = 30 * time.Second
	DefaultMaxRecoveryAttempts = 3
	DefaultRecoveryBackoff     = 5 * time.Second
	// MaxBackoff caps the delay between recovery attempts.
	MaxBackoff = 60 * time.Second
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrRecoveryFailed     = errors.New("session recovery failed")
	ErrClosed             = errors.New("session manager closed")
)

// Status is the in-memory state of a session.
type Status string

const (
	Active Status = "active"
	Closed Status = "closed"
)

// PersistConfig controls how a session is saved and recovered.
type PersistConfig struct {
	ConnectionID string `json:"connection_id" yaml:"connection_id"`
	// Persist writes a durable record that Restore can reopen.
	Persist bool `json:"persist" yaml:"persist"`
	// AutoRecover starts the recovery loop.
	AutoRecover         bool          `json:"auto_recover" yaml:"auto_recover"`
	MaxRecoveryAttempts int           `json:"max_recovery_attempts,omitempty" yaml:"max_recovery_attempts"`
	RecoveryBackoff     time.Duration `json:"recovery_backoff,omitempty" yaml:"recovery_backoff"`
}

func (c PersistConfig) withDefaults() PersistConfig {
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = DefaultMaxRecoveryAttempts
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = DefaultRecoveryBackoff
	}
	return c
}

// Metadata is the traffic snapshot of the connection at persist time.
type Metadata struct {
	BytesSent        int64 `json:"bytes_sent"`
	BytesReceived    int64 `json:"bytes_received"`
	CommandsExecuted int64 `json:"commands_executed"`
}

// State is the snapshot written to the state_data column and returned by
// Persist. Tunnels holds dynamic tunnels; PortForwards holds local and
// remote ones.
type State struct {
	SessionID          string          `json:"session_id"`
	ConnectionID       string          `json:"connection_id"`
	ConnectionConfig   pool.Config     `json:"connection_config"`
	CreatedAt          time.Time       `json:"created_at"`
	LastActive         time.Time       `json:"last_active"`
	ConnectionMetadata Metadata        `json:"connection_metadata"`
	Tunnels            []tunnel.Config `json:"tunnels"`
	PortForwards       []tunnel.Config `json:"port_forwards"`
	JumpChain          *jump.Config    `json:"jump_chain,omitempty"`
	RecoveryCount      int             `json:"recovery_count"`
	RecoveryState      string          `json:"recovery_state"`
	// MaxRecoveryAttempts and RecoveryBackoff let sessions loaded at
	// startup resume recovery with the settings they were persisted with.
	MaxRecoveryAttempts int           `json:"max_recovery_attempts"`
	RecoveryBackoff     time.Duration `json:"recovery_backoff"`
}

// Session is a read-only snapshot of a registered session.
type Session struct {
	ID              string    `json:"session_id"`
	ConnectionID    string    `json:"connection_id"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	LastActive      time.Time `json:"last_active"`
	Persisted       bool      `json:"persisted"`
	AutoRecover     bool      `json:"auto_recover"`
	RecoveryCount   int       `json:"recovery_count"`
	HasTunnels      bool      `json:"has_tunnels"`
	HasPortForwards bool      `json:"has_port_forwards"`
	HasJumpChain    bool      `json:"has_jump_chain"`
}

// Recovered counts what Restore brought back.
type Recovered struct {
	Tunnels      int  `json:"tunnels"`
	PortForwards int  `json:"port_forwards"`
	JumpChain    bool `json:"jump_chain"`
}

// RestoreResult reports a successful Restore.
type RestoreResult struct {
	SessionID          string        `json:"session_id"`
	ConnectionID       string        `json:"connection_id"`
	RecoveryTime       time.Duration `json:"recovery_time"`
	RecoveredResources Recovered     `json:"recovered_resources"`
	Warnings           []string      `json:"warnings"`
}

// CalculateBackoff returns base*2^(attempt-1), capped at MaxBackoff.
func CalculateBackoff(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt && d < MaxBackoff; i++ {
		d *= 2
	}
	return min(d, MaxBackoff)
}

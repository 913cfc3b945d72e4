package jump

import (
	"time"

	"github.com/die-net/tether/internal/pool"
)

// Status is the outcome of a chain attempt.
type Status string

const (
	Connected Status = "connected"
	Failed    Status = "failed"
)

// DefaultCacheDuration is how long a successful path is remembered.
const DefaultCacheDuration = 60 * time.Minute

// Config describes a chain of jumps ending at Target.
type Config struct {
	Jumps    []pool.Config `json:"jumps" yaml:"jumps"`
	Target   pool.Config   `json:"target" yaml:"target"`
	Strategy Strategy      `json:"strategy,omitempty" yaml:"strategy"`
	// CachePath reuses, and on success stores, the hops that reached
	// Target.Host.
	CachePath bool `json:"cache_path,omitempty" yaml:"cache_path"`
	// CacheDuration overrides the manager's path TTL for this chain.
	CacheDuration time.Duration `json:"cache_duration,omitempty" yaml:"cache_duration"`
}

// PathHop is one realized hop of a chain. The last hop is the target.
type PathHop struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ConnectionID string        `json:"connection_id"`
	Latency      time.Duration `json:"latency"`
	ConnectedAt  time.Time     `json:"connected_at"`
}

// Chain records one ConnectThroughJumps attempt.
type Chain struct {
	ID                string        `json:"chain_id"`
	Config            Config        `json:"config"`
	Path              []PathHop     `json:"path"`
	TotalLatency      time.Duration `json:"total_latency"`
	Status            Status        `json:"status"`
	Error             string        `json:"error,omitempty"`
	ConnectionID      string        `json:"connection_id,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	CreatedAt         time.Time     `json:"created_at"`

	// owned lists connections created by this chain, first hop first.
	owned []string
}

// Result is returned by a successful ConnectThroughJumps.
type Result struct {
	ChainID      string        `json:"chain_id"`
	ConnectionID string        `json:"connection_id"`
	Jumps        int           `json:"jumps"`
	Path         []PathHop     `json:"path"`
	TotalLatency time.Duration `json:"total_latency"`
	FromCache    bool          `json:"from_cache"`
}

func (c *Chain) clone() Chain {
	cp := *c
	cp.Path = append([]PathHop(nil), c.Path...)
	cp.owned = append([]string(nil), c.owned...)
	return cp
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/tunnel"
)

// Profile declares the resources to bring up at startup. Tunnels and
// sessions refer to connections and chains by name.
type Profile struct {
	Connections []ConnectionProfile `yaml:"connections"`
	Chains      []ChainProfile      `yaml:"chains"`
	Tunnels     []TunnelProfile     `yaml:"tunnels"`
	Sessions    []SessionProfile    `yaml:"sessions"`
}

type ConnectionProfile struct {
	Name        string `yaml:"name"`
	pool.Config `yaml:",inline"`
}

type ChainProfile struct {
	Name        string `yaml:"name"`
	jump.Config `yaml:",inline"`
}

type TunnelProfile struct {
	// Connection names a connection or chain; a chain's terminal
	// connection carries the tunnel.
	Connection    string `yaml:"connection"`
	tunnel.Config `yaml:",inline"`
}

type SessionProfile struct {
	Connection          string        `yaml:"connection"`
	Persist             bool          `yaml:"persist"`
	AutoRecover         bool          `yaml:"auto_recover"`
	MaxRecoveryAttempts int           `yaml:"max_recovery_attempts"`
	RecoveryBackoff     time.Duration `yaml:"recovery_backoff"`
}

// LoadProfile reads and validates a YAML profile.
func LoadProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(b)
}

// ParseProfile decodes and validates a YAML profile.
func ParseProfile(b []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks that names are unique and every reference resolves.
func (p Profile) Validate() error {
	names := make(map[string]struct{})
	add := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("profile: %s without a name", kind)
		}
		if _, dup := names[name]; dup {
			return fmt.Errorf("profile: duplicate name %q", name)
		}
		names[name] = struct{}{}
		return nil
	}

	for _, c := range p.Connections {
		if err := add("connection", c.Name); err != nil {
			return err
		}
		if c.Host == "" || c.Username == "" {
			return fmt.Errorf("profile: connection %q needs host and username", c.Name)
		}
	}
	for _, c := range p.Chains {
		if err := add("chain", c.Name); err != nil {
			return err
		}
		if c.Target.Host == "" {
			return fmt.Errorf("profile: chain %q needs a target host", c.Name)
		}
	}

	for i, t := range p.Tunnels {
		if _, ok := names[t.Connection]; !ok {
			return fmt.Errorf("profile: tunnel %d refers to unknown connection %q", i+1, t.Connection)
		}
		cfg := t.Config
		cfg.ConnectionID = t.Connection
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("profile: tunnel %d: %w", i+1, err)
		}
	}
	for i, s := range p.Sessions {
		if _, ok := names[s.Connection]; !ok {
			return fmt.Errorf("profile: session %d refers to unknown connection %q", i+1, s.Connection)
		}
	}
	return nil
}

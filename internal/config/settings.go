// Package config loads process settings from the environment and startup
// profiles from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TETHER"

// Settings holds process-wide configuration. Command-line flags override
// these values.
type Settings struct {
	AllowedHosts   []string      `envconfig:"ALLOWED_HOSTS" default:"localhost,127.0.0.1"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"10"`
	MaxIdle        time.Duration `envconfig:"MAX_IDLE" default:"5m"`
	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"60s"`

	DialTimeout        time.Duration `envconfig:"DIAL_TIMEOUT" default:"10s"`
	HandshakeTimeout   time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"30s"`
	NegotiationTimeout time.Duration `envconfig:"NEGOTIATION_TIMEOUT" default:"10s"`
	TCPKeepAlive       string        `envconfig:"TCP_KEEPALIVE" default:"45:45:3"`
	Upstream           string        `envconfig:"UPSTREAM" default:"direct://"`
	KnownHostsPath     string        `envconfig:"KNOWN_HOSTS"`

	DatabasePath          string        `envconfig:"DATABASE_PATH" default:"tether.db"`
	RecoveryCheckInterval time.Duration `envconfig:"RECOVERY_CHECK_INTERVAL" default:"30s"`
	PathCacheTTL          time.Duration `envconfig:"PATH_CACHE_TTL" default:"60m"`

	ProfilePath string `envconfig:"PROFILE"`
	DebugListen string `envconfig:"DEBUG_LISTEN"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads Settings from TETHER_* environment variables.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(EnvPrefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	return s, nil
}

// Validate reports settings that cannot work.
func (s Settings) Validate() error {
	if len(s.AllowedHosts) == 0 {
		return fmt.Errorf("allowed hosts: at least one entry is required")
	}
	if s.MaxConnections < 0 {
		return fmt.Errorf("max connections: must not be negative")
	}
	if s.DatabasePath == "" {
		return fmt.Errorf("database path: must not be empty")
	}
	if _, err := log.ParseLevel(s.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/tunnel"
)

func TestLoadDefaults(t *testing.T) {
	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if strings.Join(s.AllowedHosts, ",") != "localhost,127.0.0.1" {
		t.Fatalf("unexpected allowed hosts %v", s.AllowedHosts)
	}
	if s.MaxIdle != 5*time.Minute || s.HealthInterval != time.Minute {
		t.Fatalf("unexpected pool defaults %v/%v", s.MaxIdle, s.HealthInterval)
	}
	if s.RecoveryCheckInterval != 30*time.Second || s.PathCacheTTL != time.Hour {
		t.Fatalf("unexpected recovery/cache defaults %v/%v", s.RecoveryCheckInterval, s.PathCacheTTL)
	}
	if err := s.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("TETHER_ALLOWED_HOSTS", "bastion.example.com,10.0.0.0/8")
	t.Setenv("TETHER_MAX_IDLE", "90s")
	t.Setenv("TETHER_LOG_LEVEL", "debug")

	s, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.AllowedHosts) != 2 || s.AllowedHosts[1] != "10.0.0.0/8" {
		t.Fatalf("unexpected allowed hosts %v", s.AllowedHosts)
	}
	if s.MaxIdle != 90*time.Second || s.LogLevel != "debug" {
		t.Fatalf("unexpected settings %+v", s)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := Settings{AllowedHosts: []string{"localhost"}, DatabasePath: "x.db", LogLevel: "info"}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{name: "valid", mutate: func(*Settings) {}},
		{name: "no hosts", mutate: func(s *Settings) { s.AllowedHosts = nil }, wantErr: "allowed hosts"},
		{name: "negative max", mutate: func(s *Settings) { s.MaxConnections = -1 }, wantErr: "max connections"},
		{name: "no database", mutate: func(s *Settings) { s.DatabasePath = "" }, wantErr: "database path"},
		{name: "bad level", mutate: func(s *Settings) { s.LogLevel = "loud" }, wantErr: "log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

const sampleProfile = `
connections:
  - name: bastion
    host: bastion.example.com
    username: ops
    auth_method: key
    key_path: /home/ops/.ssh/id_ed25519
chains:
  - name: db
    strategy: sequential
    cache_path: true
    cache_duration: 30m
    jumps:
      - host: bastion.example.com
        username: ops
        auth_method: agent
    target:
      host: db.internal
      port: 2222
      username: postgres
      auth_method: agent
tunnels:
  - connection: bastion
    type: dynamic
    socks_port: 1080
  - connection: db
    type: local
    local_port: 5432
    remote_host: 127.0.0.1
    remote_port: 5432
sessions:
  - connection: db
    persist: true
    auto_recover: true
    recovery_backoff: 2s
`

func TestLoadProfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile.yaml")
	if err := os.WriteFile(path, []byte(sampleProfile), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatal(err)
	}

	if len(p.Connections) != 1 || p.Connections[0].AuthMethod != pool.AuthKey || p.Connections[0].KeyPath == "" {
		t.Fatalf("unexpected connections %+v", p.Connections)
	}
	chain := p.Chains[0]
	if chain.Strategy != jump.Sequential || !chain.CachePath || chain.CacheDuration != 30*time.Minute {
		t.Fatalf("unexpected chain %+v", chain)
	}
	if len(chain.Jumps) != 1 || chain.Target.Port != 2222 {
		t.Fatalf("unexpected chain hops %+v", chain.Config)
	}
	if p.Tunnels[0].Type != tunnel.Dynamic || p.Tunnels[0].SOCKSPort != 1080 {
		t.Fatalf("unexpected tunnel %+v", p.Tunnels[0])
	}
	if p.Tunnels[1].Connection != "db" || p.Tunnels[1].RemotePort != 5432 {
		t.Fatalf("unexpected tunnel %+v", p.Tunnels[1])
	}
	if s := p.Sessions[0]; !s.Persist || !s.AutoRecover || s.RecoveryBackoff != 2*time.Second {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestParseProfileErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "bad yaml", yaml: "connections: [", wantErr: "parse profile"},
		{name: "unnamed", yaml: "connections:\n  - host: a\n    username: b\n", wantErr: "without a name"},
		{name: "duplicate", yaml: "connections:\n  - {name: a, host: a, username: u}\n  - {name: a, host: b, username: u}\n", wantErr: "duplicate name"},
		{name: "no target", yaml: "chains:\n  - name: c\n", wantErr: "needs a target host"},
		{name: "dangling tunnel", yaml: "tunnels:\n  - {connection: nope, type: dynamic}\n", wantErr: "unknown connection"},
		{name: "bad tunnel", yaml: "connections:\n  - {name: a, host: a, username: u}\ntunnels:\n  - {connection: a, type: sideways}\n", wantErr: "unknown tunnel type"},
		{name: "dangling session", yaml: "sessions:\n  - {connection: nope}\n", wantErr: "unknown connection"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseProfile([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

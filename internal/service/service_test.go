package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tether/internal/config"
	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/session"
	"github.com/die-net/tether/internal/sshtest"
	"github.com/die-net/tether/internal/tunnel"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) *Service {
	t.Helper()

	p, err := pool.New(pool.Options{
		AllowedHosts:     []string{"127.0.0.1"},
		HealthInterval:   -1,
		HandshakeTimeout: 2 * time.Second,
		HostKeyCallback:  ssh.InsecureIgnoreHostKey(), //nolint:gosec // Test server has random host key.
	})
	if err != nil {
		t.Fatal(err)
	}

	store, err := session.OpenSQLStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}

	tm := tunnel.New(p, tunnel.Options{})
	jm := jump.New(p, time.Hour)
	sm := session.NewManager(store, p, session.Options{Tunnels: tm, Chains: jm, CheckInterval: time.Hour})

	s := New(Options{Pool: p, Tunnels: tm, Chains: jm, Sessions: sm, Now: func() time.Time { return fixedNow }})
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig(t *testing.T, ctx context.Context) pool.Config {
	t.Helper()

	srv := sshtest.Start(t, ctx, sshtest.Options{})
	host, port := sshtest.HostPort(t, srv.Addr())
	return pool.Config{
		Host:       host,
		Port:       port,
		Username:   sshtest.Username,
		AuthMethod: pool.AuthPassword,
		Password:   sshtest.Password,
	}
}

func TestEnvelopeErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newService(t)

	tests := []struct {
		name    string
		call    func() Result
		wantErr string
	}{
		{
			name: "not whitelisted",
			call: func() Result {
				return s.Connect(ctx, pool.Config{Host: "evil.example.com", Username: "u", AuthMethod: pool.AuthPassword, Password: "p"})
			},
			wantErr: "not in whitelist",
		},
		{
			name: "bad mfa code",
			call: func() Result {
				return s.ConnectWithMFA(ctx, pool.Config{Host: "127.0.0.1", Username: "u"}, "12ab56")
			},
			wantErr: "6 digits",
		},
		{name: "get missing", call: func() Result { return s.GetConnection("ssh-missing") }, wantErr: "connection not found"},
		{name: "disconnect missing", call: func() Result { return s.Disconnect("ssh-missing") }, wantErr: "connection not found"},
		{name: "exec missing", call: func() Result { return s.Exec(ctx, "ssh-missing", "true") }, wantErr: "connection not found"},
		{name: "close tunnel missing", call: func() Result { return s.CloseTunnel("tunnel-missing") }, wantErr: "tunnel not found"},
		{
			name: "unknown tunnel type",
			call: func() Result {
				return s.CreateTunnel(ctx, tunnel.Config{Type: "sideways", ConnectionID: "ssh-missing"})
			},
			wantErr: "unknown tunnel type",
		},
		{name: "restore missing", call: func() Result { return s.RestoreSession(ctx, "session-missing") }, wantErr: "session not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.call()
			if res.Success || res.Data != nil {
				t.Fatalf("expected failure envelope, got %+v", res)
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tt.wantErr, res.Error)
			}
			if !res.Timestamp.Equal(fixedNow) {
				t.Fatalf("unexpected timestamp %v", res.Timestamp)
			}
		})
	}

	if list := s.ListConnections(); !list.Success || len(list.Data.([]pool.Info)) != 0 {
		t.Fatalf("expected no registered connections, got %+v", list)
	}
}

func TestEnvelopeJSON(t *testing.T) {
	t.Parallel()

	s := New(Options{Now: func() time.Time { return fixedNow }})

	b, err := json.Marshal(s.fail("op", tunnel.ErrTunnelNotFound))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"success":false,"error":"tunnel not found","timestamp":"2024-05-01T12:00:00Z"}`
	if string(b) != want {
		t.Fatalf("expected %s, got %s", want, b)
	}

	b, err = json.Marshal(s.ok(map[string]int{"pruned": 2}))
	if err != nil {
		t.Fatal(err)
	}
	want = `{"success":true,"data":{"pruned":2},"timestamp":"2024-05-01T12:00:00Z"}`
	if string(b) != want {
		t.Fatalf("expected %s, got %s", want, b)
	}
}

func TestOperations(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newService(t)

	res := s.Connect(ctx, testConfig(t, ctx))
	if !res.Success {
		t.Fatalf("connect failed: %s", res.Error)
	}
	connID := res.Data.(pool.Info).ID

	if res := s.Exec(ctx, connID, "echo hello"); !res.Success || res.Data.(map[string]string)["output"] != "hello\n" {
		t.Fatalf("unexpected exec result %+v", res)
	}
	if res := s.HealthCheck(ctx, connID); !res.Success || res.Data.(pool.HealthReport).Status != pool.Healthy {
		t.Fatalf("unexpected health result %+v", res)
	}

	res = s.CreateTunnel(ctx, tunnel.Config{Type: tunnel.Dynamic, ConnectionID: connID})
	if !res.Success {
		t.Fatalf("create tunnel failed: %s", res.Error)
	}
	tunnelID := res.Data.(tunnel.Info).ID
	if res := s.ListTunnels(connID); len(res.Data.([]tunnel.Info)) != 1 {
		t.Fatalf("expected one tunnel, got %+v", res)
	}

	res = s.PersistSession(ctx, session.PersistConfig{ConnectionID: connID, Persist: true})
	if !res.Success {
		t.Fatalf("persist failed: %s", res.Error)
	}
	if st := res.Data.(session.State); len(st.Tunnels) != 1 {
		t.Fatalf("expected the tunnel in the session state, got %+v", st)
	}

	if res := s.CloseTunnel(tunnelID); !res.Success {
		t.Fatalf("close tunnel failed: %s", res.Error)
	}
	if res := s.Disconnect(connID); !res.Success {
		t.Fatalf("disconnect failed: %s", res.Error)
	}
	if res := s.PruneIdle(0); !res.Success || res.Data.(map[string]int)["pruned"] != 0 {
		t.Fatalf("unexpected prune result %+v", res)
	}
}

func TestApplyProfile(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := newService(t)
	cfg := testConfig(t, ctx)

	p := config.Profile{
		Connections: []config.ConnectionProfile{{Name: "box", Config: cfg}},
		Chains: []config.ChainProfile{{
			Name:   "via-box",
			Config: jump.Config{Jumps: []pool.Config{cfg}, Target: cfg},
		}},
		Tunnels: []config.TunnelProfile{
			{Connection: "box", Config: tunnel.Config{Type: tunnel.Dynamic}},
			{Connection: "via-box", Config: tunnel.Config{Type: tunnel.Dynamic}},
		},
		Sessions: []config.SessionProfile{{Connection: "via-box", Persist: true}},
	}
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}

	res := s.ApplyProfile(ctx, p)
	if !res.Success {
		t.Fatalf("apply failed: %s", res.Error)
	}
	applied := res.Data.(Applied)
	if len(applied.Connections) != 2 || len(applied.Tunnels) != 2 || len(applied.Sessions) != 1 {
		t.Fatalf("unexpected applied profile %+v", applied)
	}
	if applied.Connections["box"] == applied.Connections["via-box"] {
		t.Fatal("expected the chain to end on its own connection")
	}

	sessions := s.ListSessions().Data.([]session.Session)
	if len(sessions) != 1 || !sessions[0].HasJumpChain || !sessions[0].HasTunnels {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

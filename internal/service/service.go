package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/session"
	"github.com/die-net/tether/internal/tunnel"
)

// Result is the envelope every operation returns. Exactly one of Data and
// Error is set.
type Result struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Options wires the managers behind a Service. Chains and Sessions may be
// nil, in which case their operations fail.
type Options struct {
	Pool     *pool.Manager
	Tunnels  *tunnel.Manager
	Chains   *jump.Manager
	Sessions *session.Manager
	// Now overrides the envelope clock, for tests.
	Now func() time.Time
}

// Service exposes the managers as envelope-returning operations.
type Service struct {
	pool     *pool.Manager
	tunnels  *tunnel.Manager
	chains   *jump.Manager
	sessions *session.Manager
	now      func() time.Time
}

var (
	errNoChains   = errors.New("jump host manager not configured")
	errNoSessions = errors.New("session manager not configured")
)

// New returns a Service over the given managers.
func New(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		pool:     opts.Pool,
		tunnels:  opts.Tunnels,
		chains:   opts.Chains,
		sessions: opts.Sessions,
		now:      opts.Now,
	}
}

func (s *Service) ok(data any) Result {
	return Result{Success: true, Data: data, Timestamp: s.now()}
}

func (s *Service) fail(op string, err error) Result {
	log.WithField("op", op).WithError(err).Debug("operation failed")
	return Result{Success: false, Error: err.Error(), Timestamp: s.now()}
}

func (s *Service) result(op string, data any, err error) Result {
	if err != nil {
		return s.fail(op, err)
	}
	return s.ok(data)
}

// Connect opens a pooled connection.
func (s *Service) Connect(ctx context.Context, cfg pool.Config) Result {
	info, err := s.pool.Connect(ctx, cfg)
	return s.result("connect", info, err)
}

// ConnectWithMFA opens a pooled connection answering keyboard-interactive
// prompts with code.
func (s *Service) ConnectWithMFA(ctx context.Context, cfg pool.Config, code string) Result {
	info, err := s.pool.ConnectWithMFA(ctx, cfg, code)
	return s.result("connect_mfa", info, err)
}

func (s *Service) GetConnection(id string) Result {
	info, ok := s.pool.Get(id)
	if !ok {
		return s.fail("get_connection", fmt.Errorf("%w: %s", pool.ErrConnectionNotFound, id))
	}
	return s.ok(info)
}

func (s *Service) ListConnections() Result {
	return s.ok(s.pool.List())
}

// Disconnect closes a connection and, through the pool's disconnect hooks,
// every tunnel it carries.
func (s *Service) Disconnect(id string) Result {
	if !s.pool.Disconnect(id) {
		return s.fail("disconnect", fmt.Errorf("%w: %s", pool.ErrConnectionNotFound, id))
	}
	return s.ok(map[string]string{"connection_id": id})
}

// PruneIdle closes connections idle longer than maxIdle; zero uses the
// pool default.
func (s *Service) PruneIdle(maxIdle time.Duration) Result {
	return s.ok(map[string]int{"pruned": s.pool.PruneIdle(maxIdle)})
}

func (s *Service) HealthCheck(ctx context.Context, id string) Result {
	report, err := s.pool.HealthCheck(ctx, id)
	return s.result("health_check", report, err)
}

func (s *Service) Exec(ctx context.Context, id, cmd string) Result {
	out, err := s.pool.Exec(ctx, id, cmd)
	return s.result("exec", map[string]string{"output": string(out)}, err)
}

func (s *Service) CreateTunnel(ctx context.Context, cfg tunnel.Config) Result {
	info, err := s.tunnels.Create(ctx, cfg)
	return s.result("create_tunnel", info, err)
}

func (s *Service) CloseTunnel(id string) Result {
	if !s.tunnels.Close(id) {
		return s.fail("close_tunnel", fmt.Errorf("%w: %s", tunnel.ErrTunnelNotFound, id))
	}
	return s.ok(map[string]string{"tunnel_id": id})
}

// ListTunnels lists every tunnel, or only those of connID when it is set.
func (s *Service) ListTunnels(connID string) Result {
	if connID != "" {
		return s.ok(s.tunnels.ListForConnection(connID))
	}
	return s.ok(s.tunnels.List())
}

func (s *Service) ConnectThroughJumps(ctx context.Context, cfg jump.Config) Result {
	if s.chains == nil {
		return s.fail("connect_jumps", errNoChains)
	}
	res, err := s.chains.ConnectThroughJumps(ctx, cfg)
	return s.result("connect_jumps", res, err)
}

func (s *Service) ReconnectChain(ctx context.Context, id string) Result {
	if s.chains == nil {
		return s.fail("reconnect_chain", errNoChains)
	}
	res, err := s.chains.Reconnect(ctx, id)
	return s.result("reconnect_chain", res, err)
}

func (s *Service) ListChains() Result {
	if s.chains == nil {
		return s.fail("list_chains", errNoChains)
	}
	return s.ok(s.chains.List())
}

func (s *Service) PersistSession(ctx context.Context, cfg session.PersistConfig) Result {
	if s.sessions == nil {
		return s.fail("persist_session", errNoSessions)
	}
	state, err := s.sessions.Persist(ctx, cfg)
	return s.result("persist_session", state, err)
}

func (s *Service) RestoreSession(ctx context.Context, id string) Result {
	if s.sessions == nil {
		return s.fail("restore_session", errNoSessions)
	}
	res, err := s.sessions.Restore(ctx, id)
	return s.result("restore_session", res, err)
}

func (s *Service) ListSessions() Result {
	if s.sessions == nil {
		return s.fail("list_sessions", errNoSessions)
	}
	return s.ok(s.sessions.List())
}

func (s *Service) DeleteSession(ctx context.Context, id string) Result {
	if s.sessions == nil {
		return s.fail("delete_session", errNoSessions)
	}
	err := s.sessions.Delete(ctx, id)
	return s.result("delete_session", map[string]string{"session_id": id}, err)
}

// Close tears everything down: session recovery first, then chains,
// tunnels, and finally the pool.
func (s *Service) Close() Result {
	var err error
	if s.sessions != nil {
		err = s.sessions.Close()
	}
	if s.chains != nil {
		s.chains.CloseAll()
	}
	s.tunnels.CloseAll()
	s.pool.DisconnectAll()
	return s.result("close", map[string]bool{"closed": true}, err)
}

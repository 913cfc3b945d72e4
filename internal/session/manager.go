package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/metrics"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/tunnel"
)

// Connections is the subset of the connection pool used by sessions.
type Connections interface {
	Get(id string) (pool.Info, bool)
	Config(id string) (pool.Config, bool)
	IsConnected(id string) bool
	Connect(ctx context.Context, cfg pool.Config) (pool.Info, error)
	Disconnect(id string) bool
}

// Tunnels is the subset of the tunnel manager used by sessions.
type Tunnels interface {
	ListForConnection(connID string) []tunnel.Info
	Create(ctx context.Context, cfg tunnel.Config) (tunnel.Info, error)
	Close(id string) bool
}

// Chains is the subset of the jump manager used by sessions.
type Chains interface {
	FindByConnection(connID string) (jump.Chain, bool)
	ConnectThroughJumps(ctx context.Context, cfg jump.Config) (jump.Result, error)
	Close(id string) bool
}

// Options configures a Manager.
type Options struct {
	// Tunnels and Chains are optional. Without them sessions neither record
	// nor restore the corresponding resources.
	Tunnels Tunnels
	Chains  Chains
	// CheckInterval is the steady-state period of the recovery loop.
	CheckInterval time.Duration
}

type entry struct {
	Session
	cfg   PersistConfig
	timer *time.Timer
}

// Manager registers sessions, persists them to a Store and runs their
// recovery loops.
type Manager struct {
	store Store
	conns Connections
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool
}

// NewManager returns a Manager that takes ownership of store.
func NewManager(store Store, conns Connections, opts Options) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:    store,
		conns:    conns,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*entry),
	}
}

// Persist registers a session for an existing connection, writing a durable
// record if cfg.Persist is set and starting recovery if cfg.AutoRecover is.
func (m *Manager) Persist(ctx context.Context, cfg PersistConfig) (State, error) {
	cfg = cfg.withDefaults()

	info, ok := m.conns.Get(cfg.ConnectionID)
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, cfg.ConnectionID)
	}
	connCfg, _ := m.conns.Config(cfg.ConnectionID)

	now := time.Now()
	state := State{
		SessionID:        "session-" + uuid.NewString(),
		ConnectionID:     info.ID,
		ConnectionConfig: connCfg,
		CreatedAt:        now,
		LastActive:       now,
		ConnectionMetadata: Metadata{
			BytesSent:        info.BytesSent,
			BytesReceived:    info.BytesReceived,
			CommandsExecuted: info.CommandsExecuted,
		},
		Tunnels:             []tunnel.Config{},
		PortForwards:        []tunnel.Config{},
		RecoveryState:       "stable",
		MaxRecoveryAttempts: cfg.MaxRecoveryAttempts,
		RecoveryBackoff:     cfg.RecoveryBackoff,
	}

	if m.opts.Tunnels != nil {
		for _, t := range m.opts.Tunnels.ListForConnection(info.ID) {
			if t.Type == tunnel.Dynamic {
				state.Tunnels = append(state.Tunnels, t.Config)
			} else {
				state.PortForwards = append(state.PortForwards, t.Config)
			}
		}
	}
	if m.opts.Chains != nil {
		if chain, ok := m.opts.Chains.FindByConnection(info.ID); ok {
			state.JumpChain = &chain.Config
		}
	}

	if cfg.Persist {
		rec, err := newRecord(state, cfg)
		if err != nil {
			return State{}, err
		}
		if err := m.store.Insert(ctx, rec); err != nil {
			return State{}, err
		}
	}

	e := &entry{
		Session: Session{
			ID:              state.SessionID,
			ConnectionID:    info.ID,
			Status:          Active,
			CreatedAt:       now,
			LastActive:      now,
			Persisted:       cfg.Persist,
			AutoRecover:     cfg.AutoRecover,
			HasTunnels:      len(state.Tunnels) > 0,
			HasPortForwards: len(state.PortForwards) > 0,
			HasJumpChain:    state.JumpChain != nil,
		},
		cfg: cfg,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return State{}, ErrClosed
	}
	m.sessions[e.ID] = e
	m.mu.Unlock()

	if cfg.AutoRecover {
		m.schedule(e.ID, 1, m.opts.CheckInterval)
	}

	log.WithFields(log.Fields{"session": e.ID, "connection": info.ID, "persist": cfg.Persist, "auto_recover": cfg.AutoRecover}).Info("session registered")
	return state, nil
}

// Restore reopens a persisted session: it reconnects (through the recorded
// jump chain if there is one), recreates recorded tunnels on the new
// connection and bumps the durable recovery count.
func (m *Manager) Restore(ctx context.Context, id string) (RestoreResult, error) {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return RestoreResult{}, err
	}

	var state State
	if err := json.Unmarshal([]byte(rec.StateData), &state); err != nil {
		return RestoreResult{}, fmt.Errorf("%w: decode state: %w", ErrRecoveryFailed, err)
	}

	start := time.Now()
	res := RestoreResult{SessionID: id, Warnings: []string{}}

	var tunnels []tunnel.Config
	var chainCfg *jump.Config
	for _, r := range rec.Resources {
		switch r.ResourceType {
		case ResourceTunnel:
			var tc tunnel.Config
			if err := json.Unmarshal([]byte(r.ResourceConfig), &tc); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipping tunnel resource %d: %v", r.ID, err))
				continue
			}
			tunnels = append(tunnels, tc)
		case ResourceJumpChain:
			var jc jump.Config
			if err := json.Unmarshal([]byte(r.ResourceConfig), &jc); err != nil {
				res.Warnings = append(res.Warnings, fmt.Sprintf("skipping jump chain resource %d: %v", r.ID, err))
				continue
			}
			chainCfg = &jc
		}
	}

	var chainID string
	switch {
	case chainCfg != nil && m.opts.Chains != nil:
		jr, err := m.opts.Chains.ConnectThroughJumps(ctx, *chainCfg)
		if err != nil {
			return m.restoreFailed(id, err)
		}
		res.ConnectionID = jr.ConnectionID
		chainID = jr.ChainID
		res.RecoveredResources.JumpChain = true
	default:
		if chainCfg != nil {
			res.Warnings = append(res.Warnings, "jump chain recorded but no jump manager configured; connecting directly")
		}
		info, err := m.conns.Connect(ctx, state.ConnectionConfig)
		if err != nil {
			return m.restoreFailed(id, err)
		}
		res.ConnectionID = info.ID
	}

	var tunnelIDs []string
	for _, tc := range tunnels {
		if m.opts.Tunnels == nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s tunnel not restored: no tunnel manager configured", tc.Type))
			continue
		}
		tc.ConnectionID = res.ConnectionID
		ti, err := m.opts.Tunnels.Create(ctx, tc)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("%s tunnel not restored: %v", tc.Type, err))
			continue
		}
		tunnelIDs = append(tunnelIDs, ti.ID)
		if tc.Type == tunnel.Dynamic {
			res.RecoveredResources.Tunnels++
		} else {
			res.RecoveredResources.PortForwards++
		}
	}

	now := time.Now()
	if err := m.store.MarkRecovered(ctx, id, now); err != nil {
		m.discard(res.ConnectionID, chainID, tunnelIDs)
		return m.restoreFailed(id, err)
	}

	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{
			Session: sessionFromRecord(rec, &state),
			cfg:     recoveryConfig(rec, &state),
		}
		m.sessions[id] = e
	}
	e.Status = Active
	e.ConnectionID = res.ConnectionID
	e.LastActive = now
	e.RecoveryCount++
	m.mu.Unlock()

	res.RecoveryTime = time.Since(start)
	metrics.RecoveryAttempts.WithLabelValues("recovered").Inc()
	log.WithFields(log.Fields{"session": id, "connection": res.ConnectionID, "elapsed": res.RecoveryTime}).Info("session restored")
	return res, nil
}

// LoadSessions registers every auto-recover record as a closed session and
// arms its recovery loop. It returns the number of sessions loaded.
func (m *Manager) LoadSessions(ctx context.Context) (int, error) {
	recs, err := m.store.ListAutoRecover(ctx)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for i := range recs {
		rec := &recs[i]

		var state State
		if err := json.Unmarshal([]byte(rec.StateData), &state); err != nil {
			log.WithFields(log.Fields{"session": rec.SessionID}).Warnf("skipping session with unreadable state: %v", err)
			continue
		}

		m.mu.Lock()
		if _, ok := m.sessions[rec.SessionID]; ok || m.closed {
			m.mu.Unlock()
			continue
		}
		m.sessions[rec.SessionID] = &entry{
			Session: sessionFromRecord(rec, &state),
			cfg:     recoveryConfig(rec, &state),
		}
		m.mu.Unlock()

		m.schedule(rec.SessionID, 1, m.opts.CheckInterval)
		loaded++
	}

	if loaded > 0 {
		log.Infof("loaded %d auto-recover sessions", loaded)
	}
	return loaded, nil
}

// Get returns a snapshot of the session.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// List returns every registered session, oldest first.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		out = append(out, e.Session)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Recovering reports whether a recovery check is scheduled for id.
func (m *Manager) Recovering(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[id]
	return ok && e.timer != nil
}

// Delete stops the session's recovery loop, unregisters it and removes its
// durable record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, registered := m.sessions[id]
	if registered {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	err := m.store.Delete(ctx, id)
	if registered && errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	return err
}

// Close stops every recovery timer, waits for in-flight recoveries and
// closes the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, e := range m.sessions {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	clear(m.sessions)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return m.store.Close()
}

// discard closes what a failed restore opened, so the next attempt does not
// leave a duplicate behind.
func (m *Manager) discard(connID, chainID string, tunnelIDs []string) {
	for _, tid := range tunnelIDs {
		m.opts.Tunnels.Close(tid)
	}
	if chainID != "" {
		m.opts.Chains.Close(chainID)
		return
	}
	m.conns.Disconnect(connID)
}

func (m *Manager) restoreFailed(id string, err error) (RestoreResult, error) {
	m.mu.Lock()
	if e, ok := m.sessions[id]; ok {
		e.Status = Closed
	}
	m.mu.Unlock()

	metrics.RecoveryAttempts.WithLabelValues("failed").Inc()
	return RestoreResult{}, fmt.Errorf("%w: %w", ErrRecoveryFailed, err)
}

// schedule arms the session's timer to run recovery attempt number attempt
// after delay, replacing any pending timer.
func (m *Manager) schedule(id string, attempt int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || m.closed {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		defer m.wg.Done()

		m.check(id, attempt)
	})
}

func (m *Manager) check(id string, attempt int) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	connID := e.ConnectionID
	cfg := e.cfg
	m.mu.Unlock()

	if connID != "" && m.conns.IsConnected(connID) {
		m.schedule(id, 1, m.opts.CheckInterval)
		return
	}

	_, err := m.Restore(m.ctx, id)
	if err == nil {
		m.schedule(id, 1, m.opts.CheckInterval)
		return
	}
	log.WithFields(log.Fields{"session": id, "attempt": attempt}).Warnf("session recovery: %v", err)

	if attempt >= cfg.MaxRecoveryAttempts {
		m.mu.Lock()
		if e, ok := m.sessions[id]; ok {
			e.timer = nil
		}
		m.mu.Unlock()
		metrics.RecoveryAttempts.WithLabelValues("exhausted").Inc()
		log.WithFields(log.Fields{"session": id}).Debug("session recovery attempts exhausted")
		return
	}
	m.schedule(id, attempt+1, CalculateBackoff(attempt, cfg.RecoveryBackoff))
}

func newRecord(state State, cfg PersistConfig) (*Record, error) {
	connJSON, err := json.Marshal(state.ConnectionConfig)
	if err != nil {
		return nil, fmt.Errorf("encode connection config: %w", err)
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("encode session state: %w", err)
	}

	rec := &Record{
		SessionID:        state.SessionID,
		ConnectionConfig: string(connJSON),
		CreatedAt:        state.CreatedAt,
		LastActive:       state.LastActive,
		Persist:          cfg.Persist,
		AutoRecover:      cfg.AutoRecover,
		StateData:        string(stateJSON),
	}

	for _, tc := range append(append([]tunnel.Config{}, state.PortForwards...), state.Tunnels...) {
		b, err := json.Marshal(tc)
		if err != nil {
			return nil, fmt.Errorf("encode tunnel config: %w", err)
		}
		rec.Resources = append(rec.Resources, Resource{ResourceType: ResourceTunnel, ResourceConfig: string(b)})
	}
	if state.JumpChain != nil {
		b, err := json.Marshal(state.JumpChain)
		if err != nil {
			return nil, fmt.Errorf("encode jump chain config: %w", err)
		}
		rec.Resources = append(rec.Resources, Resource{ResourceType: ResourceJumpChain, ResourceConfig: string(b)})
	}
	return rec, nil
}

func sessionFromRecord(rec *Record, state *State) Session {
	return Session{
		ID:              rec.SessionID,
		Status:          Closed,
		CreatedAt:       rec.CreatedAt,
		LastActive:      rec.LastActive,
		Persisted:       rec.Persist,
		AutoRecover:     rec.AutoRecover,
		RecoveryCount:   rec.RecoveryCount,
		HasTunnels:      len(state.Tunnels) > 0,
		HasPortForwards: len(state.PortForwards) > 0,
		HasJumpChain:    state.JumpChain != nil,
	}
}

func recoveryConfig(rec *Record, state *State) PersistConfig {
	return PersistConfig{
		Persist:             rec.Persist,
		AutoRecover:         rec.AutoRecover,
		MaxRecoveryAttempts: state.MaxRecoveryAttempts,
		RecoveryBackoff:     state.RecoveryBackoff,
	}.withDefaults()
}

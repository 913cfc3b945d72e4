package jump

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	log "github.com/sirupsen/logrus"

	"github.com/die-net/tether/internal/metrics"
	"github.com/die-net/tether/internal/pool"
)

var (
	ErrUnknownStrategy = errors.New("unknown jump strategy")
	ErrChainNotFound   = errors.New("jump chain not found")
)

// Connections is the subset of the connection pool used to build chains.
type Connections interface {
	GetOrCreate(ctx context.Context, cfg pool.Config) (pool.Info, error)
	ConnectVia(ctx context.Context, viaID string, cfg pool.Config) (pool.Info, error)
	Disconnect(id string) bool
}

// Manager builds jump chains and remembers the paths that worked.
type Manager struct {
	conns Connections
	paths *ttlcache.Cache[string, []pool.Config]

	mu        sync.Mutex
	chains    map[string]*Chain
	resolvers map[Strategy]Resolver
}

// New returns a Manager. A cacheTTL of zero selects DefaultCacheDuration.
func New(conns Connections, cacheTTL time.Duration) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheDuration
	}

	paths := ttlcache.New(ttlcache.WithTTL[string, []pool.Config](cacheTTL))
	go paths.Start()

	return &Manager{
		conns:     conns,
		paths:     paths,
		chains:    make(map[string]*Chain),
		resolvers: defaultResolvers(),
	}
}

// RegisterResolver installs or replaces the resolver for strategy.
func (m *Manager) RegisterResolver(strategy Strategy, r Resolver) {
	m.mu.Lock()
	m.resolvers[strategy] = r
	m.mu.Unlock()
}

// ConnectThroughJumps connects to cfg.Target through each of cfg.Jumps in
// turn. Every connection after the first is an SSH handshake run over a
// stream forwarded by the previous hop.
//
// On failure the hop connections created by this attempt are closed and the
// chain is recorded as failed.
func (m *Manager) ConnectThroughJumps(ctx context.Context, cfg Config) (Result, error) {
	return m.build(ctx, &Chain{
		ID:        "chain-" + uuid.NewString(),
		Config:    cfg,
		CreatedAt: time.Now(),
	})
}

// Reconnect closes the chain's connections and builds it again from its
// original configuration. The chain keeps its ID and attempt count whether
// or not the rebuild succeeds, so a failed chain can be retried.
func (m *Manager) Reconnect(ctx context.Context, id string) (Result, error) {
	m.mu.Lock()
	chain, ok := m.chains[id]
	if !ok {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s", ErrChainNotFound, id)
	}
	chain.ReconnectAttempts++
	next := &Chain{
		ID:                id,
		Config:            chain.Config,
		ReconnectAttempts: chain.ReconnectAttempts,
		CreatedAt:         chain.CreatedAt,
	}
	m.mu.Unlock()

	m.release(chain)
	return m.build(ctx, next)
}

// build connects every hop of chain and records the outcome under chain.ID.
// On failure the hop connections created by this attempt are closed.
func (m *Manager) build(ctx context.Context, chain *Chain) (Result, error) {
	cfg := &chain.Config
	if cfg.Strategy == "" {
		cfg.Strategy = Sequential
	}

	hops, fromCache, err := m.resolve(ctx, *cfg)
	if err == nil {
		err = m.connect(ctx, chain, hops)
	}
	if err != nil {
		m.release(chain)
		chain.Status = Failed
		chain.Error = err.Error()
		m.store(chain)
		metrics.JumpChains.WithLabelValues(string(Failed)).Inc()
		log.WithFields(log.Fields{"chain": chain.ID, "target": cfg.Target.Host}).Warnf("jump chain failed: %v", err)
		return Result{}, fmt.Errorf("jump chain %s: %w", chain.ID, err)
	}

	chain.Status = Connected
	m.store(chain)
	metrics.JumpChains.WithLabelValues(string(Connected)).Inc()

	if cfg.CachePath {
		ttl := cfg.CacheDuration
		if ttl <= 0 {
			ttl = ttlcache.DefaultTTL
		}
		m.paths.Set(cfg.Target.Host, hops, ttl)
		m.updateCacheMetrics()
	}

	log.WithFields(log.Fields{
		"chain":      chain.ID,
		"connection": chain.ConnectionID,
		"hops":       len(chain.Path),
		"latency":    chain.TotalLatency,
		"attempts":   chain.ReconnectAttempts,
	}).Info("jump chain connected")

	return Result{
		ChainID:      chain.ID,
		ConnectionID: chain.ConnectionID,
		Jumps:        len(hops),
		Path:         slices.Clone(chain.Path),
		TotalLatency: chain.TotalLatency,
		FromCache:    fromCache,
	}, nil
}

// Get returns a copy of the chain.
func (m *Manager) Get(id string) (Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok {
		return Chain{}, false
	}
	return c.clone(), true
}

// List returns every recorded chain, oldest first.
func (m *Manager) List() []Chain {
	m.mu.Lock()
	chains := make([]Chain, 0, len(m.chains))
	for _, c := range m.chains {
		chains = append(chains, c.clone())
	}
	m.mu.Unlock()

	sort.Slice(chains, func(i, j int) bool {
		return chains[i].CreatedAt.Before(chains[j].CreatedAt)
	})
	return chains
}

// FindByConnection returns the connected chain whose terminal connection is
// connID.
func (m *Manager) FindByConnection(connID string) (Chain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.chains {
		if c.Status == Connected && c.ConnectionID == connID {
			return c.clone(), true
		}
	}
	return Chain{}, false
}

// Close disconnects the connections created by the chain and forgets it.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	chain, ok := m.chains[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.release(chain)
	m.remove(id)
	return true
}

// CloseAll closes every chain and stops the path cache.
func (m *Manager) CloseAll() {
	for _, c := range m.List() {
		m.Close(c.ID)
	}
	m.paths.Stop()
}

// CachedPath returns the hops cached for host.
func (m *Manager) CachedPath(host string) ([]pool.Config, bool) {
	item := m.paths.Get(host)
	m.updateCacheMetrics()
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (m *Manager) resolve(ctx context.Context, cfg Config) ([]pool.Config, bool, error) {
	jumps := cfg.Jumps
	fromCache := false
	if cfg.CachePath {
		if cached, ok := m.CachedPath(cfg.Target.Host); ok {
			jumps = cached
			fromCache = true
		}
	}

	m.mu.Lock()
	r, ok := m.resolvers[cfg.Strategy]
	m.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}

	hops, err := r.Resolve(ctx, jumps, cfg.Target)
	if err != nil {
		return nil, false, fmt.Errorf("resolve path: %w", err)
	}
	return hops, fromCache, nil
}

// connect establishes every hop and the target, filling in chain.Path.
func (m *Manager) connect(ctx context.Context, chain *Chain, hops []pool.Config) error {
	var current string
	for i, hop := range append(slices.Clone(hops), chain.Config.Target) {
		start := time.Now()

		var (
			info pool.Info
			err  error
		)
		if i == 0 {
			// The first hop is shared with any other caller of the same
			// endpoint and is never closed by the chain.
			info, err = m.conns.GetOrCreate(ctx, hop)
		} else {
			info, err = m.conns.ConnectVia(ctx, current, hop)
			if err == nil {
				chain.owned = append(chain.owned, info.ID)
			}
		}
		if err != nil {
			return fmt.Errorf("hop %d (%s): %w", i+1, hop.Addr(), err)
		}

		latency := time.Since(start)
		chain.Path = append(chain.Path, PathHop{
			Host:         hop.Host,
			Port:         hop.WithDefaults().Port,
			ConnectionID: info.ID,
			Latency:      latency,
			ConnectedAt:  time.Now(),
		})
		chain.TotalLatency += latency
		current = info.ID
	}

	chain.ConnectionID = current
	return nil
}

// release disconnects owned connections, nearest the target first.
func (m *Manager) release(chain *Chain) {
	m.mu.Lock()
	owned := slices.Clone(chain.owned)
	chain.owned = nil
	m.mu.Unlock()

	for _, id := range slices.Backward(owned) {
		m.conns.Disconnect(id)
	}
}

func (m *Manager) store(chain *Chain) {
	m.mu.Lock()
	m.chains[chain.ID] = chain
	m.mu.Unlock()
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.chains, id)
	m.mu.Unlock()
}

func (m *Manager) updateCacheMetrics() {
	stats := m.paths.Metrics()
	metrics.PathCache.WithLabelValues("evictions").Set(float64(stats.Evictions))
	metrics.PathCache.WithLabelValues("insertions").Set(float64(stats.Insertions))
	metrics.PathCache.WithLabelValues("hits").Set(float64(stats.Hits))
	metrics.PathCache.WithLabelValues("misses").Set(float64(stats.Misses))
	metrics.PathCache.WithLabelValues("total").Set(float64(m.paths.Len()))
}

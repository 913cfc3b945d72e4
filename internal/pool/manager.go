package pool

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/tether/internal/conn"
	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/metrics"
	internalssh "github.com/die-net/tether/internal/ssh"
)

const (
	DefaultMaxIdle          = 5 * time.Minute
	DefaultHealthInterval   = 60 * time.Second
	DefaultProbeTimeout     = 10 * time.Second
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultDegradedLatency  = time.Second
)

var mfaCodePattern = regexp.MustCompile(`^\d{6}$`)

// Options configures a Manager. Zero values select the defaults above.
type Options struct {
	// AllowedHosts lists hostnames, IPs or CIDR prefixes that may be
	// connected to.
	AllowedHosts []string
	// MaxConnections caps the pool size. Zero means unlimited.
	MaxConnections int
	// MaxIdle is the default idle limit used by PruneIdle.
	MaxIdle time.Duration
	// HealthInterval is the period of the health monitor. Negative disables it.
	HealthInterval time.Duration
	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
	// DegradedLatency is the probe latency at or above which a connection
	// is reported degraded.
	DegradedLatency time.Duration
	// HandshakeTimeout bounds each SSH handshake.
	HandshakeTimeout time.Duration
	// HostKeyCallback verifies server host keys.
	HostKeyCallback ssh.HostKeyCallback
	// Dialer opens the TCP stream to first-hop servers.
	Dialer dialer.Dialer
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager owns the pool of live SSH connections.
type Manager struct {
	opts      Options
	whitelist *Whitelist

	mu    sync.Mutex
	conns map[string]*connection
	hooks []func(Info)
	sf    singleflight.Group

	keys internalssh.Keyring

	cron *cron.Cron
}

// New returns a Manager and, unless disabled, starts its health monitor.
func New(opts Options) (*Manager, error) {
	if opts.HostKeyCallback == nil {
		return nil, fmt.Errorf("connection pool: missing host key callback")
	}
	if opts.Dialer == nil {
		opts.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.HealthInterval == 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.DegradedLatency <= 0 {
		opts.DegradedLatency = DefaultDegradedLatency
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		opts:      opts,
		whitelist: NewWhitelist(opts.AllowedHosts),
		conns:     make(map[string]*connection),
	}
	if opts.HealthInterval > 0 {
		m.startHealthMonitor()
	}
	return m, nil
}

// OnDisconnect registers fn to run whenever a connection leaves the pool,
// whether closed explicitly, pruned, or lost.
func (m *Manager) OnDisconnect(fn func(Info)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

// Connect authenticates a new connection to cfg and adds it to the pool.
func (m *Manager) Connect(ctx context.Context, cfg Config) (Info, error) {
	return m.connect(ctx, cfg, "")
}

// ConnectWithMFA is Connect with a keyboard-interactive one-time code. The
// code must be exactly six digits; anything else is refused before dialing.
func (m *Manager) ConnectWithMFA(ctx context.Context, cfg Config, code string) (Info, error) {
	if !mfaCodePattern.MatchString(code) {
		metrics.ConnectAttempts.WithLabelValues("rejected").Inc()
		return Info{}, &PolicyError{Host: cfg.Host, Err: ErrInvalidMFACode}
	}
	return m.connect(ctx, cfg, code)
}

// ConnectVia authenticates a new connection to cfg over a stream forwarded
// through the pooled connection viaID, so that its traffic transits that
// host.
func (m *Manager) ConnectVia(ctx context.Context, viaID string, cfg Config) (Info, error) {
	cfg = cfg.WithDefaults()
	cc, err := m.admit(cfg, "")
	if err != nil {
		return Info{}, err
	}

	stream, err := m.Dial(ctx, viaID, "tcp", cfg.Addr())
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return Info{}, err
	}

	client, err := internalssh.NewClient(ctx, stream, cc, cfg.Addr())
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return Info{}, fmt.Errorf("SSH connection failed: %w", err)
	}
	return m.register(cfg, viaID, client), nil
}

// GetOrCreate returns a connected pool entry for cfg's connection key,
// connecting if there is none. Concurrent callers for the same key share a
// single connection attempt.
func (m *Manager) GetOrCreate(ctx context.Context, cfg Config) (Info, error) {
	cfg = cfg.WithDefaults()
	key := ConnectionKey(cfg)
	if info, ok := m.lookupKey(key); ok {
		return info, nil
	}

	ch := m.sf.DoChan(key, func() (any, error) {
		if info, ok := m.lookupKey(key); ok {
			return info, nil
		}
		// Other waiters may still want the result after this caller gives up.
		return m.connect(context.WithoutCancel(ctx), cfg, "")
	})

	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Info{}, res.Err
		}
		return res.Val.(Info), nil
	}
}

// Get returns a snapshot of the connection and refreshes its last-used time.
func (m *Manager) Get(id string) (Info, bool) {
	c, ok := m.use(id)
	if !ok {
		return Info{}, false
	}
	return c.info(), true
}

// Config returns the configuration the connection was created with.
func (m *Manager) Config(id string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return Config{}, false
	}
	return c.cfg, true
}

// IsConnected reports whether id is in the pool with a live transport.
func (m *Manager) IsConnected(id string) bool {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	return ok && c.isConnected()
}

// List returns snapshots of every pooled connection, oldest first.
func (m *Manager) List() []Info {
	conns := m.snapshot()
	infos := make([]Info, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.info())
	}
	return infos
}

// Exec runs cmd on the connection and returns its stdout.
func (m *Manager) Exec(ctx context.Context, id, cmd string) ([]byte, error) {
	c, ok := m.use(id)
	if !ok {
		return nil, notFound(id)
	}

	c.commands.Add(1)
	c.traffic.AddSent(int64(len(cmd)))
	out, err := internalssh.Run(ctx, c.client, cmd)
	c.traffic.AddReceived(int64(len(out)))
	if err != nil {
		c.errors.Add(1)
		return out, err
	}
	return out, nil
}

// Dial opens a forward-out stream from the connection's server to address.
// Bytes moved over the stream are counted against the connection.
func (m *Manager) Dial(ctx context.Context, id, network, address string) (net.Conn, error) {
	c, ok := m.use(id)
	if !ok {
		return nil, notFound(id)
	}

	stream, err := c.client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("forward-out %s via %s: %w", address, id, err)
	}
	return &conn.CountingConn{Conn: stream, Counter: &c.traffic}, nil
}

// Listen asks the connection's server to listen on address and forward
// inbound connections back (forward-in).
func (m *Manager) Listen(id, network, address string) (net.Listener, error) {
	c, ok := m.use(id)
	if !ok {
		return nil, notFound(id)
	}

	ln, err := c.client.Listen(network, address)
	if err != nil {
		return nil, fmt.Errorf("forward-in %s via %s: %w", address, id, err)
	}
	return &countingListener{Listener: ln, traffic: &c.traffic}, nil
}

// Disconnect closes the connection and removes it from the pool.
func (m *Manager) Disconnect(id string) bool {
	return m.drop(id, "disconnected")
}

// DisconnectAll stops the health monitor, closes every connection and
// releases the SSH agent socket.
func (m *Manager) DisconnectAll() {
	m.stopHealthMonitor()
	for _, c := range m.snapshot() {
		m.drop(c.id, "shutdown")
	}
	_ = m.keys.Close()
}

func (m *Manager) connect(ctx context.Context, cfg Config, code string) (Info, error) {
	cfg = cfg.WithDefaults()
	cc, err := m.admit(cfg, code)
	if err != nil {
		return Info{}, err
	}

	raw, err := m.opts.Dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return Info{}, fmt.Errorf("SSH connection failed: %w", err)
	}

	client, err := internalssh.NewClient(ctx, raw, cc, cfg.Addr())
	if err != nil {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		return Info{}, fmt.Errorf("SSH connection failed: %w", err)
	}
	return m.register(cfg, "", client), nil
}

// admit applies the pre-transport policy checks and builds the client
// configuration.
func (m *Manager) admit(cfg Config, code string) (internalssh.ClientConfig, error) {
	if !m.whitelist.Allowed(cfg.Host) {
		metrics.ConnectAttempts.WithLabelValues("rejected").Inc()
		return internalssh.ClientConfig{}, &PolicyError{Host: cfg.Host, Err: ErrHostNotWhitelisted}
	}

	if m.opts.MaxConnections > 0 {
		m.mu.Lock()
		n := len(m.conns)
		m.mu.Unlock()
		if n >= m.opts.MaxConnections {
			metrics.ConnectAttempts.WithLabelValues("rejected").Inc()
			return internalssh.ClientConfig{}, fmt.Errorf("%w (%d connections)", ErrPoolFull, n)
		}
	}

	cc := internalssh.ClientConfig{
		Username:         cfg.Username,
		OneTimeCode:      code,
		HostKeyCallback:  m.opts.HostKeyCallback,
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}

	switch cfg.AuthMethod {
	case AuthPassword:
		if cfg.Password == "" {
			return cc, ErrInvalidCredentials
		}
		cc.Password = cfg.Password
	case AuthKey:
		if cfg.KeyPath == "" {
			return cc, ErrInvalidCredentials
		}
		signers, err := m.keys.Signers(cfg.KeyPath)
		if err != nil {
			return cc, fmt.Errorf("load key: %w", err)
		}
		cc.Signers = signers
	case AuthAgent:
		signers, err := m.keys.Signers(internalssh.AgentAuthType)
		if err != nil {
			return cc, fmt.Errorf("ssh agent: %w", err)
		}
		cc.Signers = signers
	case "":
		if code == "" {
			return cc, ErrInvalidCredentials
		}
	default:
		return cc, fmt.Errorf("%w: %q", ErrInvalidCredentials, cfg.AuthMethod)
	}

	return cc, nil
}

func (m *Manager) register(cfg Config, via string, client *ssh.Client) Info {
	now := m.opts.Now()
	c := &connection{
		id:        "ssh-" + uuid.NewString(),
		key:       ConnectionKey(cfg),
		cfg:       cfg,
		via:       via,
		client:    client,
		createdAt: now,
		lastUsed:  now,
		health:    Healthy,
		connected: true,
	}

	m.mu.Lock()
	m.conns[c.id] = c
	n := len(m.conns)
	m.mu.Unlock()
	metrics.PooledConnections.Set(float64(n))
	metrics.ConnectAttempts.WithLabelValues("success").Inc()

	go func() {
		_ = client.Wait()
		m.drop(c.id, "transport closed")
	}()

	log.WithFields(log.Fields{"connection": c.id, "key": c.key, "via": via}).Info("ssh connection established")
	return c.info()
}

// drop removes id from the pool, closes its transport and notifies hooks.
func (m *Manager) drop(id, reason string) bool {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	n := len(m.conns)
	hooks := append([]func(Info){}, m.hooks...)
	m.mu.Unlock()

	if !ok {
		return false
	}

	c.close()
	metrics.PooledConnections.Set(float64(n))
	log.WithFields(log.Fields{"connection": id, "reason": reason}).Info("ssh connection closed")

	info := c.info()
	for _, fn := range hooks {
		fn(info)
	}
	return true
}

// use looks up id and refreshes its last-used time along with every hop it
// is tunneled through, since those carry its traffic.
func (m *Manager) use(id string) (*connection, bool) {
	now := m.opts.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	for hop := c; hop != nil; hop = m.conns[hop.via] {
		hop.touch(now)
		if hop.via == "" {
			break
		}
	}
	return c, true
}

func (m *Manager) lookupKey(key string) (Info, bool) {
	m.mu.Lock()
	var found *connection
	for _, c := range m.conns {
		if c.key == key && c.via == "" && c.isConnected() {
			found = c
			break
		}
	}
	m.mu.Unlock()

	if found == nil {
		return Info{}, false
	}
	found.touch(m.opts.Now())
	return found.info(), true
}

func (m *Manager) snapshot() []*connection {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		if conns[i].createdAt.Equal(conns[j].createdAt) {
			return conns[i].id < conns[j].id
		}
		return conns[i].createdAt.Before(conns[j].createdAt)
	})
	return conns
}

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/die-net/tether/internal/conn"
	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/metrics"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/socks5"
)

// DefaultNegotiationTimeout bounds the SOCKS5 handshake of a dynamic tunnel
// client.
const DefaultNegotiationTimeout = 10 * time.Second

// Connections is the subset of the connection pool used by tunnels.
type Connections interface {
	Get(id string) (pool.Info, bool)
	Dial(ctx context.Context, id, network, address string) (net.Conn, error)
	Listen(id, network, address string) (net.Listener, error)
	OnDisconnect(fn func(pool.Info))
}

// Options configures a Manager.
type Options struct {
	// Listen tunes local listeners of local and dynamic tunnels.
	Listen conn.ListenOptions
	// Dialer reaches the local target of remote tunnels.
	Dialer dialer.Dialer
	// NegotiationTimeout bounds the SOCKS5 handshake.
	NegotiationTimeout time.Duration
	// IdleTimeout closes spliced streams with no traffic for this long.
	// Zero disables it.
	IdleTimeout time.Duration
}

// Manager owns every tunnel and closes a connection's tunnels when the
// connection leaves the pool.
type Manager struct {
	conns Connections
	opts  Options

	mu      sync.Mutex
	tunnels map[string]*tunnel
}

// New returns a Manager forwarding through conns.
func New(conns Connections, opts Options) *Manager {
	if opts.Dialer == nil {
		opts.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultNegotiationTimeout
	}

	m := &Manager{
		conns:   conns,
		opts:    opts,
		tunnels: make(map[string]*tunnel),
	}
	conns.OnDisconnect(func(info pool.Info) {
		if n := m.CloseForConnection(info.ID); n > 0 {
			log.WithFields(log.Fields{"connection": info.ID, "tunnels": n}).Info("closed tunnels of lost connection")
		}
	})
	return m
}

// Create starts a tunnel described by cfg.
func (m *Manager) Create(ctx context.Context, cfg Config) (Info, error) {
	if err := cfg.Validate(); err != nil {
		return Info{}, err
	}
	if _, ok := m.conns.Get(cfg.ConnectionID); !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, cfg.ConnectionID)
	}

	var (
		t   *tunnel
		err error
	)
	switch cfg.Type {
	case Local:
		t, err = m.createLocal(ctx, cfg)
	case Remote:
		t, err = m.createRemote(cfg)
	case Dynamic:
		t, err = m.createDynamic(ctx, cfg)
	}
	if err != nil {
		return Info{}, err
	}

	m.mu.Lock()
	m.tunnels[t.id] = t
	m.mu.Unlock()
	metrics.ActiveTunnels.WithLabelValues(string(cfg.Type)).Inc()

	// The connection may have left the pool, and its disconnect hook run,
	// while the tunnel was being set up.
	if info, ok := m.conns.Get(cfg.ConnectionID); !ok || !info.Connected {
		m.Close(t.id)
		return Info{}, fmt.Errorf("%w: %s", ErrConnectionNotFound, cfg.ConnectionID)
	}

	log.WithFields(log.Fields{
		"tunnel":     t.id,
		"type":       cfg.Type,
		"connection": cfg.ConnectionID,
		"local":      t.localEndpoint,
		"remote":     t.remoteEndpoint,
	}).Info("tunnel created")
	return t.info(), nil
}

// Get returns a snapshot of the tunnel.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	m.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// List returns every active tunnel, oldest first.
func (m *Manager) List() []Info {
	return m.list(func(*tunnel) bool { return true })
}

// ListForConnection returns the active tunnels owned by connID.
func (m *Manager) ListForConnection(connID string) []Info {
	return m.list(func(t *tunnel) bool { return t.cfg.ConnectionID == connID })
}

// Close stops the tunnel and removes it. It reports false if id is unknown.
func (m *Manager) Close(id string) bool {
	m.mu.Lock()
	t, ok := m.tunnels[id]
	delete(m.tunnels, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	m.stop(t)
	return true
}

// CloseForConnection closes every tunnel owned by connID and returns how
// many were closed.
func (m *Manager) CloseForConnection(connID string) int {
	m.mu.Lock()
	var victims []*tunnel
	for id, t := range m.tunnels {
		if t.cfg.ConnectionID == connID {
			victims = append(victims, t)
			delete(m.tunnels, id)
		}
	}
	m.mu.Unlock()

	for _, t := range victims {
		m.stop(t)
	}
	return len(victims)
}

// CloseAll closes every tunnel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	victims := make([]*tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		victims = append(victims, t)
	}
	clear(m.tunnels)
	m.mu.Unlock()

	for _, t := range victims {
		m.stop(t)
	}
}

func (m *Manager) stop(t *tunnel) {
	t.stop()
	metrics.ActiveTunnels.WithLabelValues(string(t.cfg.Type)).Dec()
	log.WithFields(log.Fields{"tunnel": t.id, "connections": t.accepted.Load()}).Info("tunnel closed")
}

func (m *Manager) list(keep func(*tunnel) bool) []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		if keep(t) {
			infos = append(infos, t.info())
		}
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

func (m *Manager) newTunnel(cfg Config, ln net.Listener, local, remote string) *tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	t := &tunnel{
		id:             "tunnel-" + uuid.NewString(),
		cfg:            cfg,
		localEndpoint:  local,
		remoteEndpoint: remote,
		createdAt:      time.Now(),
		ln:             ln,
		ctx:            ctx,
		cancel:         cancel,
	}
	t.status.Store(Active)
	return t
}

func (m *Manager) createLocal(ctx context.Context, cfg Config) (*tunnel, error) {
	ln, err := conn.ListenTCP(ctx, "tcp", hostPort(cfg.bindAddress(), cfg.LocalPort), m.opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("local tunnel: %w", err)
	}

	target := hostPort(cfg.RemoteHost, cfg.RemotePort)
	t := m.newTunnel(cfg, ln, ln.Addr().String(), target)
	m.serve(t, func(client net.Conn) error {
		stream, err := m.conns.Dial(t.ctx, cfg.ConnectionID, "tcp", target)
		if err != nil {
			return err
		}
		return m.splice(t, client, stream)
	})
	return t, nil
}

func (m *Manager) createRemote(cfg Config) (*tunnel, error) {
	ln, err := m.conns.Listen(cfg.ConnectionID, "tcp", hostPort(cfg.bindAddress(), cfg.RemotePort))
	if err != nil {
		return nil, fmt.Errorf("remote tunnel: %w", err)
	}

	target := hostPort(cfg.localHost(), cfg.LocalPort)
	t := m.newTunnel(cfg, ln, target, ln.Addr().String())
	m.serve(t, func(inbound net.Conn) error {
		local, err := m.opts.Dialer.DialContext(t.ctx, "tcp", target)
		if err != nil {
			return err
		}
		return m.splice(t, inbound, local)
	})
	return t, nil
}

func (m *Manager) createDynamic(ctx context.Context, cfg Config) (*tunnel, error) {
	ln, err := conn.ListenTCP(ctx, "tcp", hostPort(cfg.bindAddress(), cfg.SOCKSPort), m.opts.Listen)
	if err != nil {
		return nil, fmt.Errorf("dynamic tunnel: %w", err)
	}

	t := m.newTunnel(cfg, ln, ln.Addr().String(), "dynamic")
	m.serve(t, func(client net.Conn) error {
		_ = client.SetDeadline(time.Now().Add(m.opts.NegotiationTimeout))

		var hs socks5.Handshake
		dest, err := hs.Negotiate(client, client)
		if err != nil {
			return err
		}

		stream, err := m.conns.Dial(t.ctx, cfg.ConnectionID, "tcp", dest)
		if err != nil {
			_ = hs.Failed(client)
			return err
		}
		if err := hs.Connected(client); err != nil {
			_ = stream.Close()
			return err
		}

		_ = client.SetDeadline(time.Time{})
		return m.splice(t, client, stream)
	})
	return t, nil
}

// serve accepts clients until the tunnel stops and runs handle for each.
// A client whose handle returns an error counts as a tunnel error.
func (m *Manager) serve(t *tunnel, handle func(net.Conn) error) {
	kind := string(t.cfg.Type)
	t.wg.Go(func() {
		for {
			client, err := t.ln.Accept()
			if err != nil {
				if t.ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					log.WithFields(log.Fields{"tunnel": t.id}).Warnf("accept: %v", err)
				}
				return
			}

			t.accepted.Add(1)
			metrics.TunnelAccepts.WithLabelValues(kind).Inc()

			t.wg.Go(func() {
				stop := context.AfterFunc(t.ctx, func() { _ = client.Close() })
				defer stop()
				defer client.Close()

				if err := handle(client); err != nil && t.ctx.Err() == nil {
					t.errors.Add(1)
					metrics.TunnelErrors.WithLabelValues(kind).Inc()
					log.WithFields(log.Fields{"tunnel": t.id, "client": client.RemoteAddr()}).Debugf("forward: %v", err)
				}
			})
		}
	})
}

func (m *Manager) splice(t *tunnel, client, upstream net.Conn) error {
	counted := &conn.CountingConn{Conn: client, Counter: &t.traffic}
	sent, received, err := conn.Splice(t.ctx, counted, upstream, m.opts.IdleTimeout)
	metrics.TunnelBytes.WithLabelValues(string(t.cfg.Type)).Add(float64(sent + received))
	return err
}

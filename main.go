package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/tether/internal/config"
	"github.com/die-net/tether/internal/conn"
	"github.com/die-net/tether/internal/dialer"
	"github.com/die-net/tether/internal/jump"
	"github.com/die-net/tether/internal/pool"
	"github.com/die-net/tether/internal/service"
	"github.com/die-net/tether/internal/session"
	"github.com/die-net/tether/internal/ssh"
	"github.com/die-net/tether/internal/tunnel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	s, err := config.Load()
	if err != nil {
		return err
	}
	if s.KnownHostsPath == "" {
		s.KnownHostsPath = defaultSSHKnownHostsPath()
	}

	pflag.StringSliceVar(&s.AllowedHosts, "allowed-hosts", s.AllowedHosts, "Hosts and CIDR ranges that connections may target")
	pflag.IntVar(&s.MaxConnections, "max-connections", s.MaxConnections, "Maximum pooled connections; 0 is unlimited")
	pflag.DurationVar(&s.MaxIdle, "max-idle", s.MaxIdle, "Close connections idle longer than this")
	pflag.DurationVar(&s.HealthInterval, "health-interval", s.HealthInterval, "Interval between health checks; negative disables")
	pflag.StringVar(&s.Upstream, "upstream", defaultUpstream(s.Upstream), "Upstream used to reach first-hop SSH servers: direct:// | http://[user:pass@]host:port | https://[user:pass@]host:port | socks5://[user:pass@]host:port")
	pflag.DurationVar(&s.DialTimeout, "dial-timeout", s.DialTimeout, "Timeout for outbound DNS lookup and TCP connect")
	pflag.DurationVar(&s.HandshakeTimeout, "handshake-timeout", s.HandshakeTimeout, "Timeout for each SSH handshake")
	pflag.DurationVar(&s.NegotiationTimeout, "negotiation-timeout", s.NegotiationTimeout, "Timeout for SOCKS5 and proxy negotiation")
	pflag.StringVar(&s.KnownHostsPath, "ssh-known-hosts", s.KnownHostsPath, "Path to known_hosts file for SSH host key verification, or empty to disable")
	pflag.StringVar(&s.TCPKeepAlive, "tcp-keepalive", s.TCPKeepAlive, "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	pflag.StringVar(&s.DatabasePath, "database", s.DatabasePath, "SQLite database holding persisted sessions")
	pflag.DurationVar(&s.RecoveryCheckInterval, "recovery-check-interval", s.RecoveryCheckInterval, "Interval between session recovery checks")
	pflag.DurationVar(&s.PathCacheTTL, "path-cache-ttl", s.PathCacheTTL, "Default lifetime of cached jump paths")
	pflag.StringVar(&s.ProfilePath, "profile", s.ProfilePath, "YAML profile of connections, chains, tunnels and sessions to bring up")
	pflag.StringVar(&s.DebugListen, "debug-listen", s.DebugListen, "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	pflag.StringVar(&s.LogLevel, "log-level", s.LogLevel, "Log level: trace|debug|info|warn|error")
	freeBind := pflag.Bool("free-bind", false, "Allow tunnel listeners to bind addresses not yet configured locally")

	pflag.CommandLine.SortFlags = false
	pflag.Parse()

	if err := s.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	level, _ := log.ParseLevel(s.LogLevel)
	log.SetLevel(level)

	ka, err := parseTCPKeepAlive(s.TCPKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}
	if *freeBind && !conn.FreeBindSupported {
		return errors.New("--free-bind is not supported on this platform")
	}

	var profile config.Profile
	if s.ProfilePath != "" {
		if profile, err = config.LoadProfile(s.ProfilePath); err != nil {
			return err
		}
	}

	d, err := dialer.New(dialer.Config{
		DialTimeout:        s.DialTimeout,
		NegotiationTimeout: s.NegotiationTimeout,
		KeepAlive:          ka,
	}, s.Upstream)
	if err != nil {
		return fmt.Errorf("invalid --upstream: %w", err)
	}

	hostKeys, err := ssh.NewHostKeyCallback(s.KnownHostsPath)
	if err != nil {
		return err
	}

	connections, err := pool.New(pool.Options{
		AllowedHosts:     s.AllowedHosts,
		MaxConnections:   s.MaxConnections,
		MaxIdle:          s.MaxIdle,
		HealthInterval:   s.HealthInterval,
		HandshakeTimeout: s.HandshakeTimeout,
		HostKeyCallback:  hostKeys,
		Dialer:           d,
	})
	if err != nil {
		return err
	}

	tunnels := tunnel.New(connections, tunnel.Options{
		Listen:             conn.ListenOptions{KeepAlive: ka, FreeBind: *freeBind},
		Dialer:             dialer.NewDirectDialer(dialer.Config{DialTimeout: s.DialTimeout, KeepAlive: ka}),
		NegotiationTimeout: s.NegotiationTimeout,
	})
	chains := jump.New(connections, s.PathCacheTTL)

	store, err := session.OpenSQLStore(s.DatabasePath)
	if err != nil {
		connections.DisconnectAll()
		return err
	}
	sessions := session.NewManager(store, connections, session.Options{
		Tunnels:       tunnels,
		Chains:        chains,
		CheckInterval: s.RecoveryCheckInterval,
	})

	svc := service.New(service.Options{
		Pool:     connections,
		Tunnels:  tunnels,
		Chains:   chains,
		Sessions: sessions,
	})
	defer func() {
		if res := svc.Close(); !res.Success {
			log.WithField("error", res.Error).Warn("shutdown")
		}
	}()

	g, ctx := errgroup.WithContext(context.Background())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := sessions.LoadSessions(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.WithField("sessions", n).Info("loaded auto-recovering sessions")
	}

	if s.ProfilePath != "" {
		if res := svc.ApplyProfile(ctx, profile); !res.Success {
			return fmt.Errorf("apply profile %s: %s", s.ProfilePath, res.Error)
		}
	}

	if s.DebugListen != "" {
		http.Handle("/metrics", promhttp.Handler())
		debugSrv := &http.Server{Handler: http.DefaultServeMux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", s.DebugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		log.Infof("debug listening on %s", s.DebugListen)
	}

	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}

	log.Info("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, errors.New("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := parsePositiveInt(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

// defaultUpstream prefers ALL_PROXY when no upstream was configured.
func defaultUpstream(configured string) string {
	if configured != "" && configured != "direct://" {
		return configured
	}
	if p := os.Getenv("ALL_PROXY"); p != "" {
		return p
	}
	if p := os.Getenv("all_proxy"); p != "" {
		return p
	}
	return "direct://"
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

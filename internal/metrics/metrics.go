// Package metrics declares the Prometheus collectors exported on the debug
// listener's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PooledConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tether_pooled_connections",
		Help: "The number of live SSH connections held by the connection pool",
	})

	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_connect_attempts_total",
		Help: "The number of SSH connection attempts, by result",
	}, []string{"result"}) // result: success, rejected, failed

	HealthProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_health_probes_total",
		Help: "The number of health probes run against pooled connections, by resulting status",
	}, []string{"status"}) // status: healthy, degraded, failed

	PrunedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tether_pruned_connections_total",
		Help: "The number of connections closed for exceeding the idle limit",
	})

	ActiveTunnels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tether_active_tunnels",
		Help: "The number of active tunnels, by type",
	}, []string{"type"}) // type: local, remote, dynamic

	TunnelAccepts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_tunnel_accepts_total",
		Help: "The number of client connections accepted by tunnels, by type",
	}, []string{"type"})

	TunnelBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_tunnel_bytes_total",
		Help: "The number of payload bytes spliced by tunnels, by type",
	}, []string{"type"})

	TunnelErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_tunnel_errors_total",
		Help: "The number of tunnel client connections that failed to forward, by type",
	}, []string{"type"})

	JumpChains = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_jump_chains_total",
		Help: "The number of jump chain attempts, by result",
	}, []string{"result"}) // result: connected, failed

	PathCache = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tether_jump_path_cache",
		Help: "The statistics of the jump path TTL cache",
	}, []string{"type"}) // type: evictions, insertions, hits, misses, total

	RecoveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tether_session_recovery_attempts_total",
		Help: "The number of session recovery attempts, by result",
	}, []string{"result"}) // result: recovered, failed, exhausted
)

package pool

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/die-net/tether/internal/metrics"
	internalssh "github.com/die-net/tether/internal/ssh"
)

// HealthReport is the result of probing one connection.
type HealthReport struct {
	ConnectionID string        `json:"connection_id"`
	Status       HealthStatus  `json:"status"`
	Latency      time.Duration `json:"latency"`
	Uptime       time.Duration `json:"uptime"`
	LastCheck    time.Time     `json:"last_check"`
	Issues       []string      `json:"issues"`
	SuccessRate  float64       `json:"success_rate"`
	ErrorCount   int64         `json:"error_count"`
}

// SuccessRate returns 1 - errors/max(commands, 1).
func SuccessRate(commands, errors int64) float64 {
	return 1 - float64(errors)/float64(max(commands, 1))
}

// HealthCheck probes a single connection and records the outcome.
func (m *Manager) HealthCheck(ctx context.Context, id string) (HealthReport, error) {
	m.mu.Lock()
	c, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return HealthReport{}, notFound(id)
	}
	return m.probe(ctx, c), nil
}

// CheckAll prunes idle connections and then probes every remaining one in
// turn.
func (m *Manager) CheckAll(ctx context.Context) []HealthReport {
	m.PruneIdle(0)

	conns := m.snapshot()
	reports := make([]HealthReport, 0, len(conns))
	for _, c := range conns {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, m.probe(ctx, c))
	}
	return reports
}

// PruneIdle closes every connection whose last use is strictly older than
// maxIdle and returns how many were closed. A maxIdle of zero uses the
// configured default.
func (m *Manager) PruneIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		maxIdle = m.opts.MaxIdle
	}

	now := m.opts.Now()
	pruned := 0
	for _, c := range m.snapshot() {
		if now.Sub(c.idleSince()) <= maxIdle {
			continue
		}
		if m.drop(c.id, "idle") {
			pruned++
		}
	}

	if pruned > 0 {
		metrics.PrunedConnections.Add(float64(pruned))
		log.Debugf("pruned %d idle ssh connections", pruned)
	}
	return pruned
}

func (m *Manager) probe(ctx context.Context, c *connection) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	latency, err := internalssh.Probe(ctx, c.client)

	status := Healthy
	issues := []string{}
	switch {
	case err != nil:
		status = Failed
		c.errors.Add(1)
		issues = append(issues, err.Error())
	case latency >= m.opts.DegradedLatency:
		status = Degraded
		issues = append(issues, "High latency")
	}
	c.setHealth(status)
	metrics.HealthProbes.WithLabelValues(string(status)).Inc()

	if status != Healthy {
		log.WithFields(log.Fields{"connection": c.id, "status": status, "latency": latency}).Warn("ssh health check")
	}

	now := m.opts.Now()
	errs := c.errors.Load()
	return HealthReport{
		ConnectionID: c.id,
		Status:       status,
		Latency:      latency,
		Uptime:       now.Sub(c.createdAt),
		LastCheck:    now,
		Issues:       issues,
		SuccessRate:  SuccessRate(c.commands.Load(), errs),
		ErrorCount:   errs,
	}
}

func (m *Manager) startHealthMonitor() {
	logger := cron.PrintfLogger(log.StandardLogger())
	m.cron = cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	m.cron.Schedule(cron.Every(m.opts.HealthInterval), cron.FuncJob(func() {
		m.CheckAll(context.Background())
	}))
	m.cron.Start()
}

func (m *Manager) stopHealthMonitor() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}

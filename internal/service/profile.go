package service

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/die-net/tether/internal/config"
	"github.com/die-net/tether/internal/session"
)

// Applied maps what ApplyProfile brought up.
type Applied struct {
	// Connections maps connection and chain names to connection IDs.
	Connections map[string]string `json:"connections"`
	Tunnels     []string          `json:"tunnels"`
	Sessions    []string          `json:"sessions"`
}

// ApplyProfile brings up a profile in order: connections, chains, tunnels,
// then sessions. It stops at the first failure; resources already created
// stay up and are listed in the returned data.
func (s *Service) ApplyProfile(ctx context.Context, p config.Profile) Result {
	applied, err := s.applyProfile(ctx, p)
	return s.result("apply_profile", applied, err)
}

func (s *Service) applyProfile(ctx context.Context, p config.Profile) (Applied, error) {
	applied := Applied{Connections: make(map[string]string)}

	for _, c := range p.Connections {
		info, err := s.pool.GetOrCreate(ctx, c.Config)
		if err != nil {
			return applied, fmt.Errorf("connection %q: %w", c.Name, err)
		}
		applied.Connections[c.Name] = info.ID
	}

	for _, c := range p.Chains {
		if s.chains == nil {
			return applied, fmt.Errorf("chain %q: %w", c.Name, errNoChains)
		}
		res, err := s.chains.ConnectThroughJumps(ctx, c.Config)
		if err != nil {
			return applied, fmt.Errorf("chain %q: %w", c.Name, err)
		}
		applied.Connections[c.Name] = res.ConnectionID
	}

	for i, t := range p.Tunnels {
		cfg := t.Config
		cfg.ConnectionID = applied.Connections[t.Connection]
		info, err := s.tunnels.Create(ctx, cfg)
		if err != nil {
			return applied, fmt.Errorf("tunnel %d on %q: %w", i+1, t.Connection, err)
		}
		applied.Tunnels = append(applied.Tunnels, info.ID)
	}

	for i, sp := range p.Sessions {
		if s.sessions == nil {
			return applied, fmt.Errorf("session %d: %w", i+1, errNoSessions)
		}
		state, err := s.sessions.Persist(ctx, session.PersistConfig{
			ConnectionID:        applied.Connections[sp.Connection],
			Persist:             sp.Persist,
			AutoRecover:         sp.AutoRecover,
			MaxRecoveryAttempts: sp.MaxRecoveryAttempts,
			RecoveryBackoff:     sp.RecoveryBackoff,
		})
		if err != nil {
			return applied, fmt.Errorf("session %d on %q: %w", i+1, sp.Connection, err)
		}
		applied.Sessions = append(applied.Sessions, state.SessionID)
	}

	log.WithFields(log.Fields{
		"connections": len(applied.Connections),
		"tunnels":     len(applied.Tunnels),
		"sessions":    len(applied.Sessions),
	}).Info("profile applied")

	return applied, nil
}

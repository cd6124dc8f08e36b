package config

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// GateState is the snapshot of runtime agent switches.
type GateState struct {
	PlannerEnabled  bool
	StrictPlan      bool
	WorkersEnabled  bool
	ReviewerEnabled bool
}

// Gates holds the agent switches that can change while the daemon runs.
// A nil *Gates reports every agent enabled with strict plan parsing.
type Gates struct {
	state atomic.Pointer[GateState]
}

func NewGates(cfg Config) *Gates {
	g := &Gates{}
	g.Update(cfg)
	return g
}

func (g *Gates) Update(cfg Config) {
	g.state.Store(&GateState{
		PlannerEnabled:  cfg.Agents.Planner.Enabled,
		StrictPlan:      cfg.Agents.Planner.StrictPlan,
		WorkersEnabled:  cfg.Agents.Workers.Enabled,
		ReviewerEnabled: cfg.Agents.Reviewer.Enabled,
	})
}

func (g *Gates) Load() GateState {
	if g == nil {
		return GateState{PlannerEnabled: true, StrictPlan: true, WorkersEnabled: true, ReviewerEnabled: true}
	}
	if s := g.state.Load(); s != nil {
		return *s
	}
	return GateState{}
}

// Follow reloads config.yaml on every event and applies its gates until
// events closes or ctx ends. A config that fails to load leaves the gates untouched.
func (g *Gates) Follow(ctx context.Context, homeDir string, events <-chan ReloadEvent, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			cfg, err := LoadFrom(homeDir)
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			prev := g.Load()
			g.Update(cfg)
			next := g.Load()
			if prev != next {
				logger.Info("agent gates reloaded",
					"planner", next.PlannerEnabled,
					"strict_plan", next.StrictPlan,
					"workers", next.WorkersEnabled,
					"reviewer", next.ReviewerEnabled,
					"fingerprint", cfg.Fingerprint(),
				)
			}
		}
	}
}

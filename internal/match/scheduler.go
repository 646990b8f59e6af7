package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/agents"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

// AutoScheduler keeps one match in flight: every interval it submits a new
// match unless one is still active or the roster is too small.
type AutoScheduler struct {
	orchestrator *Orchestrator
	store        store.Store
	agents       agents.Repository
	interval     time.Duration
	clock        clock.WithTicker
	logger       *slog.Logger
}

// NewAutoScheduler creates a scheduler for o.  A nil clock uses the real
// clock.
func NewAutoScheduler(o *Orchestrator, interval time.Duration, c clock.WithTicker, logger *slog.Logger) *AutoScheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &AutoScheduler{
		orchestrator: o,
		store:        o.store,
		agents:       o.agents,
		interval:     interval,
		clock:        c,
		logger:       logger,
	}
}

// Run schedules until ctx is cancelled.
func (a *AutoScheduler) Run(ctx context.Context) error {
	t := a.clock.NewTicker(a.interval)
	defer t.Stop()

	a.logger.Info("auto scheduler started", slog.Duration("interval", a.interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			if _, err := a.ScheduleOnce(ctx); err != nil {
				a.logger.Warn("auto schedule failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ScheduleOnce submits a match if none is active and enough agents are
// available.  It returns the submitted match id, or "" when it skipped.
func (a *AutoScheduler) ScheduleOnce(ctx context.Context) (string, error) {
	active, err := a.store.List(ctx, store.Filter{Kind: job.KindMatch, States: job.NonTerminalStates(job.KindMatch)})
	if err != nil {
		return "", fmt.Errorf("list active matches: %w", err)
	}
	if len(active) > 0 {
		a.logger.Debug("match in flight, skipping", slog.String("id", active[0].ID))
		return "", nil
	}

	roster, err := a.agents.ListActiveAgents(ctx)
	if err != nil {
		return "", fmt.Errorf("list agents: %w", err)
	}
	if len(roster) < a.orchestrator.perMatch {
		a.logger.Debug("not enough agents for a match",
			slog.Int("have", len(roster)),
			slog.Int("need", a.orchestrator.perMatch),
		)
		return "", nil
	}

	j, err := a.orchestrator.Submit(ctx, Request{})
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

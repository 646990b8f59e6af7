// Package reaper reclaims resources the orchestrators could not: handles
// that survived a job's cleanup, resources whose job record is gone, and
// finished job records past their retention.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/cleanup"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/store"
)

// Config holds Reaper dependencies and settings.
type Config struct {
	Store   store.Store
	Cleanup *cleanup.Destroyer
	// Providers maps each job kind to the backend its resources run on.
	// Kinds may share a provider.
	Providers map[job.Kind]provider.Provider
	Clock     clock.WithTicker
	Logger    *slog.Logger

	// Interval between passes.  Default: 1m.
	Interval time.Duration

	// MaxAge is how old an untracked resource must be before it is
	// destroyed.  Default: 1h.
	MaxAge time.Duration

	// Retention is how long finished jobs are kept.  Zero keeps them
	// forever.
	Retention time.Duration

	// ShutdownTimeout bounds the final pass Run makes on exit.
	// Default: 30s.
	ShutdownTimeout time.Duration
}

// Report summarises one pass.
type Report struct {
	// Retried counts finished jobs whose leftover handles were all
	// destroyed.
	Retried int
	// Incomplete counts finished jobs that still own resources.
	Incomplete int
	// Orphans counts untracked resources destroyed.
	Orphans int
	// Deleted counts job records removed after retention.
	Deleted int
}

// Reaper runs cleanup passes.
type Reaper struct {
	store     store.Store
	cleanup   *cleanup.Destroyer
	providers map[job.Kind]provider.Provider
	clock     clock.WithTicker
	logger    *slog.Logger
	interval  time.Duration
	maxAge    time.Duration
	retention time.Duration
	shutdown  time.Duration

	tracer  trace.Tracer
	orphans metric.Int64Counter
	deleted metric.Int64Counter
}

// New creates a Reaper.
func New(cfg Config) *Reaper {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = cleanup.New(cleanup.Config{Store: cfg.Store, Logger: cfg.Logger})
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	r := &Reaper{
		store:     cfg.Store,
		cleanup:   cfg.Cleanup,
		providers: cfg.Providers,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		interval:  cfg.Interval,
		maxAge:    cfg.MaxAge,
		retention: cfg.Retention,
		shutdown:  cfg.ShutdownTimeout,
		tracer:    otel.Tracer("arena/reaper"),
	}

	meter := otel.Meter("arena/reaper")
	var err error
	r.orphans, err = meter.Int64Counter(
		"arena.orphans.destroyed",
		metric.WithDescription("Total number of untracked resources destroyed by the reaper"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create orphans counter", slog.String("error", err.Error()))
	}
	r.deleted, err = meter.Int64Counter(
		"arena.jobs.deleted",
		metric.WithDescription("Total number of finished job records removed after retention"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create deleted counter", slog.String("error", err.Error()))
	}
	return r
}

// Run makes a pass immediately, then every interval until ctx is
// cancelled, and a final pass on the way out.
func (r *Reaper) Run(ctx context.Context) error {
	t := r.clock.NewTicker(r.interval)
	defer t.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.shutdown)
			defer cancel()
			r.logger.Info("final reaper pass before shutdown")
			r.pass(fctx)
			return nil
		case <-t.C():
			r.pass(ctx)
		}
	}
}

func (r *Reaper) pass(ctx context.Context) {
	rep, err := r.ReapOnce(ctx)
	if err != nil {
		r.logger.Error("reaper pass incomplete", slog.String("error", err.Error()))
	}
	if rep != (Report{}) {
		r.logger.Info("reaper pass",
			slog.Int("retried", rep.Retried),
			slog.Int("incomplete", rep.Incomplete),
			slog.Int("orphans", rep.Orphans),
			slog.Int("deleted", rep.Deleted),
		)
	}
}

// ReapOnce makes one pass.  It keeps going past individual failures and
// returns them joined.
func (r *Reaper) ReapOnce(ctx context.Context) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "reaper.ReapOnce")
	defer span.End()

	var rep Report
	var errs []error
	for kind, p := range r.providers {
		if err := r.retryLeaked(ctx, kind, p, &rep); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.destroyOrphans(ctx, &rep); err != nil {
		errs = append(errs, err)
	}
	if r.retention > 0 {
		if err := r.expire(ctx, &rep); err != nil {
			errs = append(errs, err)
		}
	}

	span.SetAttributes(
		attribute.Int("reaper.retried", rep.Retried),
		attribute.Int("reaper.orphans", rep.Orphans),
		attribute.Int("reaper.deleted", rep.Deleted),
	)
	return rep, errors.Join(errs...)
}

// retryLeaked destroys handles still owned by finished jobs.
func (r *Reaper) retryLeaked(ctx context.Context, kind job.Kind, p provider.Provider, rep *Report) error {
	finished, err := r.store.List(ctx, store.Filter{Kind: kind, States: job.TerminalStates(kind)})
	if err != nil {
		return fmt.Errorf("list finished %s jobs: %w", kind, err)
	}

	var errs []error
	for _, j := range finished {
		if len(j.OwnedResources) == 0 {
			continue
		}
		_, err := r.cleanup.DestroyOwned(ctx, p, j.ID)
		switch {
		case err == nil:
			rep.Retried++
		case errors.Is(err, job.ErrCleanupIncomplete):
			rep.Incomplete++
		default:
			errs = append(errs, fmt.Errorf("job %s: %w", j.ID, err))
		}
	}
	return errors.Join(errs...)
}

// destroyOrphans scans every listing provider for managed resources older
// than MaxAge that no job tracks: their job is gone, or finished without
// owning them.
func (r *Reaper) destroyOrphans(ctx context.Context, rep *Report) error {
	var errs []error
	seen := make(map[provider.Provider]bool, len(r.providers))
	for _, p := range r.providers {
		if seen[p] {
			continue
		}
		seen[p] = true
		l, ok := p.(provider.Lister)
		if !ok {
			continue
		}

		managed, err := l.ListManaged(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s resources: %w", p.Name(), err))
			continue
		}
		for _, m := range managed {
			if m.CreatedAt.IsZero() || r.clock.Since(m.CreatedAt) < r.maxAge {
				continue
			}
			orphan, err := r.untracked(ctx, m)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !orphan {
				continue
			}
			if err := r.cleanup.DestroyHandle(ctx, p, m.Handle); err != nil {
				errs = append(errs, fmt.Errorf("destroy orphan %s: %w", m.Handle, err))
				continue
			}
			rep.Orphans++
			if r.orphans != nil {
				r.orphans.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", p.Name())))
			}
			r.logger.Warn("destroyed orphaned resource",
				slog.String("provider", p.Name()),
				slog.String("handle", m.Handle),
				slog.String("job", m.JobID),
				slog.String("role", m.Role),
			)
		}
	}
	return errors.Join(errs...)
}

func (r *Reaper) untracked(ctx context.Context, m provider.Managed) (bool, error) {
	if m.JobID == "" {
		return true, nil
	}
	j, err := r.store.Get(ctx, m.JobID)
	if job.IsNotFound(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up job %s: %w", m.JobID, err)
	}
	return j.State.IsTerminal() && !j.HasResource(m.Handle), nil
}

// expire deletes finished jobs that own nothing and have not changed
// within the retention period.
func (r *Reaper) expire(ctx context.Context, rep *Report) error {
	var errs []error
	for kind := range r.providers {
		finished, err := r.store.List(ctx, store.Filter{Kind: kind, States: job.TerminalStates(kind)})
		if err != nil {
			errs = append(errs, fmt.Errorf("list finished %s jobs: %w", kind, err))
			continue
		}
		for _, j := range finished {
			if len(j.OwnedResources) > 0 || r.clock.Since(j.UpdatedAt) < r.retention {
				continue
			}
			if err := r.store.Delete(ctx, j.ID); err != nil {
				errs = append(errs, fmt.Errorf("delete job %s: %w", j.ID, err))
				continue
			}
			rep.Deleted++
			if r.deleted != nil {
				r.deleted.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
			}
			r.logger.Debug("deleted expired job", slog.String("id", j.ID), slog.String("kind", string(kind)))
		}
	}
	return errors.Join(errs...)
}

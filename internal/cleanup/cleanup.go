// Package cleanup destroys the ephemeral resources a job owns.  It is the
// one place that removes handles from a job's owned set, and it only does
// so after the provider confirmed the destroy.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/store"
)

// Config holds Destroyer settings.
type Config struct {
	Store  store.Store
	Logger *slog.Logger

	// Attempts bounds destroy calls per handle.  Default: 5.
	Attempts int

	// BackOff returns the delay policy between attempts.  Default:
	// exponential starting at 500ms, capped at 10s.
	BackOff func() backoff.BackOff
}

// Destroyer tears down owned resources with bounded retries.
type Destroyer struct {
	store    store.Store
	logger   *slog.Logger
	attempts int
	backOff  func() backoff.BackOff

	tracer     trace.Tracer
	destroyed  metric.Int64Counter
	incomplete metric.Int64Counter
}

// New creates a Destroyer.
func New(cfg Config) *Destroyer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 5
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxInterval(10*time.Second),
			)
		}
	}

	d := &Destroyer{
		store:    cfg.Store,
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
		backOff:  cfg.BackOff,
		tracer:   otel.Tracer("arena/cleanup"),
	}

	meter := otel.Meter("arena/cleanup")
	var err error
	d.destroyed, err = meter.Int64Counter(
		"arena.resources.destroyed",
		metric.WithDescription("Total number of ephemeral resources destroyed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create destroyed counter", slog.String("error", err.Error()))
	}
	d.incomplete, err = meter.Int64Counter(
		"arena.cleanup.incomplete",
		metric.WithDescription("Resources that survived every destroy attempt"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create incomplete counter", slog.String("error", err.Error()))
	}
	return d
}

// DestroyOwned destroys every resource job id owns through p and removes
// each confirmed handle from the job.  Handles that survive every attempt
// stay in the owned set and are reported as an error wrapping
// job.ErrCleanupIncomplete.  The returned job reflects the last stored
// state.
func (d *Destroyer) DestroyOwned(ctx context.Context, p provider.Provider, id string) (job.Job, error) {
	ctx, span := d.tracer.Start(ctx, "cleanup.DestroyOwned")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	j, err := d.store.Get(ctx, id)
	if err != nil {
		return j, fmt.Errorf("load job %s: %w", id, err)
	}

	var survivors []error
	for _, r := range j.OwnedResources {
		if err := d.DestroyHandle(ctx, p, r.Handle); err != nil {
			survivors = append(survivors, fmt.Errorf("%s (%s): %w", r.Handle, r.Role, err))
			d.logger.Error("resource survived cleanup",
				slog.String("job", id),
				slog.String("handle", r.Handle),
				slog.String("role", r.Role),
				slog.String("error", err.Error()),
			)
			if d.incomplete != nil {
				d.incomplete.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", p.Name())))
			}
			continue
		}

		handle := r.Handle
		updated, err := d.store.Update(ctx, id, func(j *job.Job) error {
			j.RemoveResource(handle)
			return nil
		})
		if err != nil {
			return j, fmt.Errorf("forget handle %s: %w", handle, err)
		}
		j = updated
	}

	if len(survivors) > 0 {
		return j, fmt.Errorf("%w: %w", job.ErrCleanupIncomplete, errors.Join(survivors...))
	}
	return j, nil
}

// DestroyHandle destroys a single handle, retrying with backoff until the
// attempt budget is spent or ctx is done.
func (d *Destroyer) DestroyHandle(ctx context.Context, p provider.Provider, handle string) error {
	attempt := 0
	b := backoff.WithContext(backoff.WithMaxRetries(d.backOff(), uint64(d.attempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		attempt++
		return p.Destroy(ctx, handle)
	}, b, func(err error, wait time.Duration) {
		d.logger.Warn("destroy failed, retrying",
			slog.String("handle", handle),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return err
	}
	if d.destroyed != nil {
		d.destroyed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", p.Name())))
	}
	return nil
}

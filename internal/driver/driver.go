// Package driver runs the control loop that moves jobs through their state
// machines.  On every tick it lists the non-terminal jobs of one kind,
// reloads each one it claims and hands it to the orchestrator's Advance in
// its own goroutine.  A job is
// never advanced twice at once; different jobs advance concurrently up to
// MaxConcurrent.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

// Advancer performs one tick for a job.  The build and match orchestrators
// implement it.
type Advancer interface {
	Advance(ctx context.Context, j job.Job) error
}

// Config holds Driver dependencies and settings.
type Config struct {
	// Name labels logs and metrics, e.g. "build".
	Name     string
	Interval time.Duration
	Clock    clock.WithTicker
	Store    store.Store
	Kind     job.Kind
	Advancer Advancer
	Logger   *slog.Logger

	// MaxConcurrent caps how many jobs advance at once.  Default: 8.
	MaxConcurrent int

	// AdvanceTimeout bounds a single Advance call.  Default: 2m.
	AdvanceTimeout time.Duration
}

// Driver is the control loop for one job kind.
type Driver struct {
	name     string
	interval time.Duration
	clock    clock.WithTicker
	store    store.Store
	kind     job.Kind
	advancer Advancer
	logger   *slog.Logger
	timeout  time.Duration
	sem      *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]struct{}
	running  sync.WaitGroup

	tracer       trace.Tracer
	tickDuration metric.Float64Histogram
	advanceErrs  metric.Int64Counter
}

// New creates a Driver.
func New(cfg Config) (*Driver, error) {
	if cfg.Store == nil || cfg.Advancer == nil {
		return nil, fmt.Errorf("driver %q: store and advancer are required", cfg.Name)
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("driver %q: interval must be positive, got %s", cfg.Name, cfg.Interval)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.AdvanceTimeout <= 0 {
		cfg.AdvanceTimeout = 2 * time.Minute
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Kind)
	}

	d := &Driver{
		name:     cfg.Name,
		interval: cfg.Interval,
		clock:    cfg.Clock,
		store:    cfg.Store,
		kind:     cfg.Kind,
		advancer: cfg.Advancer,
		logger:   cfg.Logger,
		timeout:  cfg.AdvanceTimeout,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		inflight: make(map[string]struct{}),
		tracer:   otel.Tracer("arena/driver"),
	}

	meter := otel.Meter("arena/driver")
	var err error
	d.tickDuration, err = meter.Float64Histogram(
		"arena.tick.duration",
		metric.WithDescription("Time taken by one Advance call (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create tickDuration histogram", slog.String("error", err.Error()))
	}

	d.advanceErrs, err = meter.Int64Counter(
		"arena.tick.errors",
		metric.WithDescription("Total number of Advance calls that returned an error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create advanceErrs counter", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"arena.jobs.inflight",
		metric.WithDescription("Current number of jobs being advanced"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(d.InFlight()), metric.WithAttributes(attribute.String("kind", string(d.kind))))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create inflight gauge", slog.String("error", err.Error()))
	}

	return d, nil
}

// Run ticks every interval until ctx is cancelled, then waits for the
// advances already in flight.
func (d *Driver) Run(ctx context.Context) error {
	t := d.clock.NewTicker(d.interval)
	defer t.Stop()
	defer d.running.Wait()

	d.logger.Info("driver started", slog.String("driver", d.name), slog.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("driver stopping, waiting for in-flight jobs",
				slog.String("driver", d.name),
				slog.Int("inflight", d.InFlight()),
			)
			return nil
		case <-t.C():
			d.Tick(ctx)
		}
	}
}

// Tick dispatches every non-terminal job that is not already in flight.
// It returns without waiting; the returned function blocks until the jobs
// dispatched by this tick have finished.
func (d *Driver) Tick(ctx context.Context) (wait func()) {
	var wg sync.WaitGroup

	jobs, err := d.store.List(ctx, store.Filter{Kind: d.kind, States: job.NonTerminalStates(d.kind)})
	if err != nil {
		d.logger.Error("list jobs", slog.String("driver", d.name), slog.String("error", err.Error()))
		return wg.Wait
	}

	skipped := 0
	for _, j := range jobs {
		if !d.claim(j.ID) {
			skipped++
			continue
		}
		wg.Add(1)
		d.running.Add(1)
		go func() {
			defer d.running.Done()
			defer wg.Done()
			defer d.release(j.ID)

			if err := d.sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer d.sem.Release(1)

			// The listed copy may predate an advance that finished after
			// List returned.  Advance the record as it is now.
			current, err := d.store.Get(ctx, j.ID)
			if err != nil {
				if !job.IsNotFound(err) {
					d.logger.Error("reload job",
						slog.String("driver", d.name),
						slog.String("id", j.ID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
			if current.State.IsTerminal() {
				return
			}
			d.advance(ctx, current)
		}()
	}
	if skipped > 0 {
		d.logger.Debug("jobs still in flight from a previous tick",
			slog.String("driver", d.name),
			slog.Int("skipped", skipped),
		)
	}
	return wg.Wait
}

// TickAndWait runs one tick and waits for it to finish.
func (d *Driver) TickAndWait(ctx context.Context) {
	d.Tick(ctx)()
}

// InFlight reports how many jobs are currently claimed.
func (d *Driver) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// advance runs one Advance call.  It outlives ctx so a shutdown never
// interrupts a job between a provider call and the store update that
// records it; AdvanceTimeout bounds it instead.
func (d *Driver) advance(ctx context.Context, j job.Job) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	actx, span := d.tracer.Start(actx, "driver.advance")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.kind", string(j.Kind)),
		attribute.String("job.state", string(j.State)),
	)

	start := d.clock.Now()
	err := d.advancer.Advance(actx, j)
	if d.tickDuration != nil {
		d.tickDuration.Record(actx, d.clock.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("kind", string(d.kind))))
	}
	if err != nil {
		span.RecordError(err)
		if d.advanceErrs != nil {
			d.advanceErrs.Add(actx, 1, metric.WithAttributes(attribute.String("kind", string(d.kind))))
		}
		d.logger.Error("advance failed",
			slog.String("driver", d.name),
			slog.String("id", j.ID),
			slog.String("state", string(j.State)),
			slog.String("error", err.Error()),
		)
	}
}

func (d *Driver) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.inflight[id]; ok {
		return false
	}
	d.inflight[id] = struct{}{}
	return true
}

func (d *Driver) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}

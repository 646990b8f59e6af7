// Package deploy applies the image produced by a successful build to a
// long-running workload.  Applying is declarative: the backend creates the
// workload when missing and updates it in place otherwise, and re-applying
// an identical definition changes nothing.
package deploy

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

// Workload is the desired state of a deployed build.
type Workload struct {
	Name     string
	Image    string
	Replicas int32
}

// Backend applies workloads to the orchestration platform.
type Backend interface {
	// Apply creates or updates the workload and reports whether anything
	// changed.
	Apply(ctx context.Context, w Workload) (changed bool, err error)
}

// Result describes a completed Deploy.
type Result struct {
	Workload Workload
	BuildID  string
	Changed  bool
}

// Config holds Applier dependencies.
type Config struct {
	Store   store.Store
	Backend Backend
	Logger  *slog.Logger

	// Replicas is the desired replica count.  Default: 1.
	Replicas int32
}

// Applier resolves a build name to its image and applies it.
type Applier struct {
	store    store.Store
	backend  Backend
	logger   *slog.Logger
	replicas int32
	tracer   trace.Tracer
}

// New creates an Applier.
func New(cfg Config) *Applier {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}
	return &Applier{
		store:    cfg.Store,
		backend:  cfg.Backend,
		logger:   cfg.Logger,
		replicas: cfg.Replicas,
		tracer:   otel.Tracer("arena/deploy"),
	}
}

// Deploy applies the newest successful build of name.  It returns
// *job.NotFoundError when name was never built and *job.NotReadyError when
// builds exist but none has succeeded.
func (a *Applier) Deploy(ctx context.Context, name string) (Result, error) {
	ctx, span := a.tracer.Start(ctx, "deploy.Deploy")
	defer span.End()
	span.SetAttributes(attribute.String("deploy.name", name))

	if name == "" {
		return Result{}, job.NewValidationError("name is required")
	}

	b, err := a.latestSucceeded(ctx, name)
	if err != nil {
		return Result{}, err
	}

	w := Workload{Name: name, Image: b.Build.ImageReference, Replicas: a.replicas}
	changed, err := a.backend.Apply(ctx, w)
	if err != nil {
		return Result{}, fmt.Errorf("apply %s: %w", name, err)
	}

	a.logger.Info("deployed",
		slog.String("name", name),
		slog.String("image", w.Image),
		slog.String("build", b.ID),
		slog.Bool("changed", changed),
	)
	return Result{Workload: w, BuildID: b.ID, Changed: changed}, nil
}

func (a *Applier) latestSucceeded(ctx context.Context, name string) (job.Job, error) {
	builds, err := a.store.List(ctx, store.Filter{Kind: job.KindBuild, Name: name})
	if err != nil {
		return job.Job{}, fmt.Errorf("list builds: %w", err)
	}
	if len(builds) == 0 {
		return job.Job{}, &job.NotFoundError{Type: "build", ID: name}
	}
	for i := len(builds) - 1; i >= 0; i-- {
		if b := builds[i]; b.State == job.StateSucceeded && b.Build != nil && b.Build.ImageReference != "" {
			return b, nil
		}
	}
	return job.Job{}, &job.NotReadyError{Name: name, State: builds[len(builds)-1].State}
}

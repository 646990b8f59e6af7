// Package build implements the build orchestrator: it turns a git
// repository reference into a pushed container image by running a
// single-purpose builder workload on a provider.
//
// Requests only create a job record.  All provider calls happen in Advance,
// which the control-loop driver invokes once per tick for every
// non-terminal build.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/arena/internal/cleanup"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/store"
)

const (
	DefaultDockerfilePath = "Dockerfile"
	DefaultContextSubPath = "."
	DefaultBuilderImage   = "gcr.io/kaniko-project/executor:latest"

	roleBuild = "build"
)

// namePattern keeps build names usable as image repository names and as
// Kubernetes object names.
var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,48}[a-z0-9])?$`)

// Request is an accepted Build call.
type Request struct {
	Name           string
	RepositoryURL  string
	DockerfilePath string
	ContextSubPath string
}

// Config holds Orchestrator dependencies and settings.
type Config struct {
	Store    store.Store
	Provider provider.Provider
	Cleanup  *cleanup.Destroyer
	Logger   *slog.Logger

	// RegistryHost prefixes every image reference.
	RegistryHost string

	// BuilderImage runs the build.  Default: the kaniko executor.
	BuilderImage string

	// Limits caps the builder workload.
	Limits provider.Limits

	// UnknownBudget is how many consecutive ticks may pass without a
	// usable status before the build fails.  Default: 3.
	UnknownBudget int
}

// Orchestrator drives builds through Pending → Running → {Succeeded |
// Failed}.
type Orchestrator struct {
	store         store.Store
	provider      provider.Provider
	cleanup       *cleanup.Destroyer
	logger        *slog.Logger
	registryHost  string
	builderImage  string
	limits        provider.Limits
	unknownBudget int

	tracer   trace.Tracer
	created  metric.Int64Counter
	finished metric.Int64Counter
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.BuilderImage == "" {
		cfg.BuilderImage = DefaultBuilderImage
	}
	if cfg.UnknownBudget <= 0 {
		cfg.UnknownBudget = 3
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = cleanup.New(cleanup.Config{Store: cfg.Store, Logger: cfg.Logger})
	}

	o := &Orchestrator{
		store:         cfg.Store,
		provider:      cfg.Provider,
		cleanup:       cfg.Cleanup,
		logger:        cfg.Logger,
		registryHost:  strings.TrimSuffix(cfg.RegistryHost, "/"),
		builderImage:  cfg.BuilderImage,
		limits:        cfg.Limits,
		unknownBudget: cfg.UnknownBudget,
		tracer:        otel.Tracer("arena/build"),
	}

	meter := otel.Meter("arena/build")
	var err error
	o.created, err = meter.Int64Counter(
		"arena.resources.created",
		metric.WithDescription("Total number of ephemeral resources created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create created counter", slog.String("error", err.Error()))
	}
	o.finished, err = meter.Int64Counter(
		"arena.jobs.finished",
		metric.WithDescription("Total number of jobs that reached a terminal state"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create finished counter", slog.String("error", err.Error()))
	}
	return o
}

// Kind reports the job kind this orchestrator advances.
func (o *Orchestrator) Kind() job.Kind { return job.KindBuild }

// Provider returns the backend builds run on.
func (o *Orchestrator) Provider() provider.Provider { return o.provider }

// ---------------------------------------------------------------------------
// Request handlers (store only, never the provider)
// ---------------------------------------------------------------------------

// Submit validates req and records a Pending build.  A second build for a
// name whose previous build is still active fails with
// *job.AlreadyInProgressError.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (job.Job, error) {
	req, err := normalize(req)
	if err != nil {
		return job.Job{}, err
	}

	j := job.Job{
		ID:    job.NewID(),
		Kind:  job.KindBuild,
		Name:  req.Name,
		State: job.StatePending,
		Build: &job.BuildJob{
			RepositoryURL:  req.RepositoryURL,
			DockerfilePath: req.DockerfilePath,
			ContextSubPath: req.ContextSubPath,
		},
	}
	if err := o.store.Create(ctx, j); err != nil {
		return job.Job{}, err
	}

	o.logger.Info("build accepted",
		slog.String("id", j.ID),
		slog.String("name", j.Name),
		slog.String("repo", req.RepositoryURL),
	)
	return o.store.Get(ctx, j.ID)
}

// Poll returns the build as of the most recently completed tick.
func (o *Orchestrator) Poll(ctx context.Context, id string) (job.Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.Kind != job.KindBuild {
		return job.Job{}, &job.NotFoundError{Type: "build", ID: id}
	}
	return j, nil
}

func normalize(req Request) (Request, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.RepositoryURL = strings.TrimSpace(req.RepositoryURL)
	if req.DockerfilePath == "" {
		req.DockerfilePath = DefaultDockerfilePath
	}
	if req.ContextSubPath == "" {
		req.ContextSubPath = DefaultContextSubPath
	}

	var details []string
	if !namePattern.MatchString(req.Name) {
		details = append(details, fmt.Sprintf("name %q must be lowercase alphanumeric with dashes, at most 50 characters", req.Name))
	}
	if err := validateRepository(req.RepositoryURL); err != nil {
		details = append(details, err.Error())
	}
	for _, f := range [][2]string{{"dockerfile_path", req.DockerfilePath}, {"context_sub_path", req.ContextSubPath}} {
		if path.IsAbs(f[1]) || strings.HasPrefix(path.Clean(f[1]), "..") {
			details = append(details, fmt.Sprintf("%s %q must stay inside the repository", f[0], f[1]))
		}
	}
	if len(details) > 0 {
		return req, job.NewValidationError("invalid build request", details...)
	}
	return req, nil
}

func validateRepository(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("git_repo %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https", "http", "git":
	default:
		return fmt.Errorf("git_repo %q must be an http(s) or git URL", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("git_repo %q has no host", raw)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Control loop
// ---------------------------------------------------------------------------

// Advance performs one tick for a build.  Errors are returned only when
// the tick could not finish its own bookkeeping; build failures are
// recorded on the job instead.
func (o *Orchestrator) Advance(ctx context.Context, j job.Job) error {
	ctx, span := o.tracer.Start(ctx, "build.Advance")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.name", j.Name),
		attribute.String("job.state", string(j.State)),
	)

	switch {
	case j.State.IsTerminal():
		return nil
	case j.Outcome != "":
		return o.finish(ctx, j)
	}

	switch j.State {
	case job.StatePending:
		return o.start(ctx, j)
	case job.StateRunning:
		return o.observe(ctx, j)
	}
	return nil
}

// start creates the builder workload and records its handle.
func (o *Orchestrator) start(ctx context.Context, j job.Job) error {
	ref := job.ImageReference(o.registryHost, j.Name, j.ID)
	spec := provider.Spec{
		Name:   provider.ResourceName(roleBuild+"-"+j.Name, j.ID),
		Image:  o.builderImage,
		Args:   BuilderArgs(j.Build, ref),
		Limits: o.limits,
		Labels: provider.Labels(j.ID, roleBuild),
	}

	handle, err := o.provider.Create(ctx, spec)
	if err != nil {
		o.logger.Warn("build resource refused",
			slog.String("id", j.ID),
			slog.String("error", err.Error()),
		)
		return o.decide(ctx, j.ID, job.StateFailed, err.Error())
	}
	if o.created != nil {
		o.created.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", o.provider.Name()),
			attribute.String("role", roleBuild),
		))
	}

	_, err = o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.AddResource(handle, roleBuild)
		j.State = job.StateRunning
		j.UnknownStreak = 0
		return nil
	})
	if err != nil {
		// The handle is not recorded anywhere; destroy it now so nothing
		// leaks.
		if derr := o.cleanup.DestroyHandle(context.WithoutCancel(ctx), o.provider, handle); derr != nil {
			o.logger.Error("orphaned build resource",
				slog.String("id", j.ID),
				slog.String("handle", handle),
				slog.String("error", derr.Error()),
			)
		}
		return fmt.Errorf("record build resource: %w", err)
	}

	o.logger.Info("build started",
		slog.String("id", j.ID),
		slog.String("handle", handle),
		slog.String("image", ref),
	)
	return nil
}

// observe polls the builder workload and decides the outcome once it is
// final.
func (o *Orchestrator) observe(ctx context.Context, j job.Job) error {
	if len(j.OwnedResources) == 0 {
		return o.decide(ctx, j.ID, job.StateFailed, "build resource missing")
	}
	handle := j.OwnedResources[0].Handle

	st, err := o.provider.Status(ctx, handle)
	switch {
	case err != nil:
		return o.unavailable(ctx, j, err.Error())
	case st.Phase == provider.PhaseUnknown && j.Observed:
		return o.decide(ctx, j.ID, job.StateFailed, "build resource disappeared")
	case st.Phase == provider.PhaseUnknown:
		return o.unavailable(ctx, j, "build resource not yet visible")
	case st.Phase == provider.PhaseSucceeded:
		return o.decide(ctx, j.ID, job.StateSucceeded, "")
	case st.Phase == provider.PhaseFailed:
		return o.decide(ctx, j.ID, job.StateFailed, o.failureReason(ctx, handle, st.Message))
	}

	if j.Observed && j.UnknownStreak == 0 {
		return nil
	}
	_, err = o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.Observed = true
		j.UnknownStreak = 0
		return nil
	})
	return err
}

// unavailable counts a tick without a usable status and fails the build
// once the budget is spent.
func (o *Orchestrator) unavailable(ctx context.Context, j job.Job, reason string) error {
	streak := j.UnknownStreak + 1
	o.logger.Warn("build status unavailable",
		slog.String("id", j.ID),
		slog.Int("streak", streak),
		slog.String("reason", reason),
	)
	if streak >= o.unknownBudget {
		msg := fmt.Sprintf("%s after %d polls: %s", job.ErrTransientUnavailable, streak, reason)
		return o.decide(ctx, j.ID, job.StateFailed, msg)
	}
	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.UnknownStreak = streak
		return nil
	})
	return err
}

// failureReason fetches the tail of the builder's logs, best-effort.
func (o *Orchestrator) failureReason(ctx context.Context, handle, message string) string {
	reason := "build failed"
	if message != "" {
		reason += ": " + message
	}
	lines, err := o.provider.Logs(ctx, handle)
	if err != nil {
		o.logger.Debug("build logs unavailable", slog.String("handle", handle), slog.String("error", err.Error()))
		return reason
	}
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	if len(lines) > 0 {
		reason += "\n" + strings.Join(lines, "\n")
	}
	return reason
}

// decide persists the outcome before any cleanup so that a restart
// resumes the teardown instead of polling again, then finishes.
func (o *Orchestrator) decide(ctx context.Context, id string, outcome job.State, reason string) error {
	j, err := o.store.Update(ctx, id, func(j *job.Job) error {
		j.Outcome = outcome
		j.FailureReason = reason
		return nil
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return o.finish(ctx, j)
}

// finish destroys the build resource and then exposes the terminal state.
func (o *Orchestrator) finish(ctx context.Context, j job.Job) error {
	_, err := o.cleanup.DestroyOwned(ctx, o.provider, j.ID)
	if err != nil && !errors.Is(err, job.ErrCleanupIncomplete) {
		return fmt.Errorf("cleanup: %w", err)
	}
	if err != nil {
		o.logger.Error("build cleanup incomplete",
			slog.String("id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	final, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.State = j.Outcome
		if j.State == job.StateSucceeded {
			j.Build.ImageReference = job.ImageReference(o.registryHost, j.Name, j.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record terminal state: %w", err)
	}

	if o.finished != nil {
		o.finished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(job.KindBuild)),
			attribute.String("state", string(final.State)),
		))
	}
	o.logger.Info("build finished",
		slog.String("id", final.ID),
		slog.String("name", final.Name),
		slog.String("state", string(final.State)),
		slog.String("image", final.Build.ImageReference),
	)
	return nil
}

// BuilderArgs returns the kaniko executor arguments for b, pushing to ref.
func BuilderArgs(b *job.BuildJob, ref string) []string {
	repo := b.RepositoryURL
	if i := strings.Index(repo, "://"); i >= 0 {
		repo = repo[i+3:]
	}
	return []string{
		"--dockerfile=" + b.DockerfilePath,
		"--context=git://" + repo,
		"--context-sub-path=" + b.ContextSubPath,
		"--destination=" + ref,
	}
}

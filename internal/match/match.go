// Package match implements the match orchestrator.  A match provisions one
// resource per agent plus a game host, starts the game once everything is
// running, polls it to completion, collects the result and tears every
// resource down before the terminal state becomes visible.
//
// State machine:
//
//	Selecting → Provisioning → AwaitingStart → Running → Collecting → Cleanup → {Completed | Failed}
//
// Any failure after Selecting routes through Cleanup, so partial
// provisioning is never left running.
package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/agents"
	"github.com/terrpan/arena/internal/cleanup"
	"github.com/terrpan/arena/internal/gamehost"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/store"
)

const roleGameHost = "game-host"

// AgentRole is the owned-resource role of an agent's resource.
func AgentRole(agentID string) string { return "agent:" + agentID }

// Request is an accepted Match call.  Empty AgentIDs lets the selector
// draw from the roster.
type Request struct {
	AgentIDs []string
}

// Config holds Orchestrator dependencies and settings.
type Config struct {
	Store    store.Store
	Provider provider.Provider
	Agents   agents.Repository
	GameHost gamehost.Client
	Cleanup  *cleanup.Destroyer
	Selector Selector
	Clock    clock.PassiveClock
	Logger   *slog.Logger

	// AgentsPerMatch is how many agents the selector draws.  Default: 2.
	AgentsPerMatch int

	GameHostImage  string
	GameHostPort   int
	GameHostLimits provider.Limits
	AgentPort      int
	AgentLimits    provider.Limits
	Game           gamehost.Config

	// Ceiling bounds a started game's wall-clock time.  Default: 10m.
	Ceiling time.Duration

	// StartDeadline bounds how long provisioned resources may take to
	// become reachable.  Default: 5m.
	StartDeadline time.Duration

	// UnknownBudget is how many consecutive ticks may pass without a
	// usable answer from the provider or game host.  Default: 3.
	UnknownBudget int
}

// Orchestrator drives matches through their state machine.
type Orchestrator struct {
	store         store.Store
	provider      provider.Provider
	agents        agents.Repository
	games         gamehost.Client
	cleanup       *cleanup.Destroyer
	selector      Selector
	clock         clock.PassiveClock
	logger        *slog.Logger
	perMatch      int
	hostImage     string
	hostPort      int
	hostLimits    provider.Limits
	agentPort     int
	agentLimits   provider.Limits
	game          gamehost.Config
	ceiling       time.Duration
	startDeadline time.Duration
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
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Selector == nil {
		cfg.Selector = NewRandom(nil)
	}
	if cfg.Cleanup == nil {
		cfg.Cleanup = cleanup.New(cleanup.Config{Store: cfg.Store, Logger: cfg.Logger})
	}
	if cfg.AgentsPerMatch < 2 {
		cfg.AgentsPerMatch = 2
	}
	if cfg.GameHostPort == 0 {
		cfg.GameHostPort = 50051
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 50051
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 10 * time.Minute
	}
	if cfg.StartDeadline <= 0 {
		cfg.StartDeadline = 5 * time.Minute
	}
	if cfg.UnknownBudget <= 0 {
		cfg.UnknownBudget = 3
	}

	o := &Orchestrator{
		store:         cfg.Store,
		provider:      cfg.Provider,
		agents:        cfg.Agents,
		games:         cfg.GameHost,
		cleanup:       cfg.Cleanup,
		selector:      cfg.Selector,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		perMatch:      cfg.AgentsPerMatch,
		hostImage:     cfg.GameHostImage,
		hostPort:      cfg.GameHostPort,
		hostLimits:    cfg.GameHostLimits,
		agentPort:     cfg.AgentPort,
		agentLimits:   cfg.AgentLimits,
		game:          cfg.Game,
		ceiling:       cfg.Ceiling,
		startDeadline: cfg.StartDeadline,
		unknownBudget: cfg.UnknownBudget,
		tracer:        otel.Tracer("arena/match"),
	}

	meter := otel.Meter("arena/match")
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
func (o *Orchestrator) Kind() job.Kind { return job.KindMatch }

// Provider returns the backend matches run on.
func (o *Orchestrator) Provider() provider.Provider { return o.provider }

// ---------------------------------------------------------------------------
// Request handlers (store only)
// ---------------------------------------------------------------------------

// Submit records a match in Selecting.  Explicit agent ids must be at
// least two and distinct; whether they are on the roster is checked when
// the match is selected.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (job.Job, error) {
	if len(req.AgentIDs) > 0 {
		if len(req.AgentIDs) < 2 {
			return job.Job{}, job.NewValidationError("a match needs at least two agents")
		}
		seen := make(map[string]bool, len(req.AgentIDs))
		for _, id := range req.AgentIDs {
			if id == "" {
				return job.Job{}, job.NewValidationError("agent ids must not be empty")
			}
			if seen[id] {
				return job.Job{}, job.NewValidationError("duplicate agent id", id)
			}
			seen[id] = true
		}
	}

	id := job.NewID()
	j := job.Job{
		ID:    id,
		Kind:  job.KindMatch,
		Name:  "match-" + id,
		State: job.StateSelecting,
		Match: &job.MatchJob{AgentIDs: slices.Clone(req.AgentIDs)},
	}
	if err := o.store.Create(ctx, j); err != nil {
		return job.Job{}, err
	}
	o.logger.Info("match accepted", slog.String("id", id), slog.Any("agents", req.AgentIDs))
	return o.store.Get(ctx, id)
}

// Poll returns the match as of the most recently completed tick.
func (o *Orchestrator) Poll(ctx context.Context, id string) (job.Job, error) {
	j, err := o.store.Get(ctx, id)
	if err != nil {
		return job.Job{}, err
	}
	if j.Kind != job.KindMatch {
		return job.Job{}, &job.NotFoundError{Type: "match", ID: id}
	}
	return j, nil
}

// ---------------------------------------------------------------------------
// Control loop
// ---------------------------------------------------------------------------

// Advance performs one tick for a match.
func (o *Orchestrator) Advance(ctx context.Context, j job.Job) error {
	ctx, span := o.tracer.Start(ctx, "match.Advance")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", j.ID),
		attribute.String("job.state", string(j.State)),
	)

	switch j.State {
	case job.StateSelecting:
		return o.selectAgents(ctx, j)
	case job.StateProvisioning:
		return o.provision(ctx, j)
	case job.StateAwaitingStart:
		return o.awaitStart(ctx, j)
	case job.StateRunning:
		return o.watch(ctx, j)
	case job.StateCollecting:
		return o.collect(ctx, j)
	case job.StateCleanup:
		return o.teardown(ctx, j.ID)
	}
	return nil
}

func (o *Orchestrator) selectAgents(ctx context.Context, j job.Job) error {
	roster, err := o.agents.ListActiveAgents(ctx)
	if err != nil {
		return o.unavailable(ctx, j, fmt.Sprintf("list agents: %v", err))
	}

	var picked []agents.Agent
	if ids := j.Match.AgentIDs; len(ids) > 0 {
		index := agents.Index(roster)
		for _, id := range ids {
			a, ok := index[id]
			if !ok {
				return o.fail(ctx, j, job.NewValidationError("unknown or inactive agent", id).Error())
			}
			picked = append(picked, a)
		}
	} else {
		picked, err = o.selector.Select(roster, o.perMatch)
		if err != nil {
			return o.fail(ctx, j, err.Error())
		}
	}

	_, err = o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.Match.AgentIDs = make([]string, 0, len(picked))
		j.Match.AgentImages = make(map[string]string, len(picked))
		for _, a := range picked {
			j.Match.AgentIDs = append(j.Match.AgentIDs, a.ID)
			j.Match.AgentImages[a.ID] = a.Image
		}
		j.State = job.StateProvisioning
		j.UnknownStreak = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("record selection: %w", err)
	}
	o.logger.Info("agents selected", slog.String("id", j.ID), slog.Int("count", len(picked)))
	return nil
}

// provision creates every missing agent resource in order and then the
// game host.  Each handle is persisted as soon as the provider returns it.
func (o *Orchestrator) provision(ctx context.Context, j job.Job) error {
	m := j.Match
	for _, agentID := range m.AgentIDs {
		if _, ok := m.AgentHandles[agentID]; ok {
			continue
		}
		role := AgentRole(agentID)
		spec := provider.Spec{
			Name:  provider.ResourceName("agent-"+agentID, j.ID),
			Image: m.AgentImages[agentID],
			Env: map[string]string{
				"ARENA_AGENT_ID": agentID,
				"ARENA_MATCH_ID": j.ID,
				"PORT":           strconv.Itoa(o.agentPort),
			},
			Port:   o.agentPort,
			Limits: o.agentLimits,
			Labels: provider.Labels(j.ID, role),
		}
		updated, err := o.createOwned(ctx, j, spec, role, func(j *job.Job, handle string) {
			if j.Match.AgentHandles == nil {
				j.Match.AgentHandles = make(map[string]string)
			}
			j.Match.AgentHandles[agentID] = handle
		})
		if err != nil {
			return err
		}
		if updated.ID == "" {
			return nil
		}
		j = updated
	}

	if m.GameHostHandle == "" {
		spec := provider.Spec{
			Name:  provider.ResourceName(roleGameHost, j.ID),
			Image: o.hostImage,
			Env: map[string]string{
				"ARENA_MATCH_ID": j.ID,
				"PORT":           strconv.Itoa(o.hostPort),
			},
			Port:   o.hostPort,
			Limits: o.hostLimits,
			Labels: provider.Labels(j.ID, roleGameHost),
		}
		updated, err := o.createOwned(ctx, j, spec, roleGameHost, func(j *job.Job, handle string) {
			j.Match.GameHostHandle = handle
		})
		if err != nil || updated.ID == "" {
			return err
		}
	}

	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.State = job.StateAwaitingStart
		j.Match.ProvisionedAt = o.clock.Now()
		j.UnknownStreak = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("record provisioning: %w", err)
	}
	o.logger.Info("match provisioned", slog.String("id", j.ID), slog.Int("agents", len(m.AgentIDs)))
	return nil
}

// createOwned creates one resource and records it.  A refused create fails
// the match and returns a zero job; the caller stops provisioning.
func (o *Orchestrator) createOwned(ctx context.Context, j job.Job, spec provider.Spec, role string, record func(*job.Job, string)) (job.Job, error) {
	handle, err := o.provider.Create(ctx, spec)
	if err != nil {
		o.logger.Warn("match resource refused",
			slog.String("id", j.ID),
			slog.String("role", role),
			slog.String("error", err.Error()),
		)
		return job.Job{}, o.fail(ctx, j, fmt.Sprintf("provision %s: %v", role, err))
	}
	if o.created != nil {
		o.created.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", o.provider.Name()),
			attribute.String("role", roleLabel(role)),
		))
	}

	updated, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.AddResource(handle, role)
		record(j, handle)
		return nil
	})
	if err != nil {
		if derr := o.cleanup.DestroyHandle(context.WithoutCancel(ctx), o.provider, handle); derr != nil {
			o.logger.Error("orphaned match resource",
				slog.String("id", j.ID),
				slog.String("handle", handle),
				slog.String("error", derr.Error()),
			)
		}
		return job.Job{}, fmt.Errorf("record %s: %w", role, err)
	}
	o.logger.Debug("match resource created", slog.String("id", j.ID), slog.String("role", role), slog.String("handle", handle))
	return updated, nil
}

// awaitStart waits for every resource to run and then starts the game.
func (o *Orchestrator) awaitStart(ctx context.Context, j job.Job) error {
	m := j.Match
	if o.clock.Since(m.ProvisionedAt) > o.startDeadline {
		o.logger.Warn("match resources not running before start deadline",
			slog.String("id", j.ID),
			slog.Duration("deadline", o.startDeadline),
		)
		return o.fail(ctx, j, job.ReasonTimeout)
	}

	endpoints := make(map[string]string, len(j.OwnedResources))
	var seen []string
	missing := ""
	ready := true
	for _, r := range j.OwnedResources {
		st, err := o.provider.Status(ctx, r.Handle)
		if err != nil {
			return o.unavailable(ctx, j, fmt.Sprintf("status of %s: %v", r.Role, err))
		}
		switch st.Phase {
		case provider.PhaseRunning:
			if st.Endpoint == "" {
				ready = false
			}
			endpoints[r.Handle] = st.Endpoint
			seen = append(seen, r.Handle)
		case provider.PhasePending:
			ready = false
			seen = append(seen, r.Handle)
		case provider.PhaseUnknown:
			// Only a resource never seen yet may still be propagating.
			if slices.Contains(m.ObservedHandles, r.Handle) {
				return o.fail(ctx, j, fmt.Sprintf("%s disappeared before the game started", r.Role))
			}
			ready = false
			if missing == "" {
				missing = r.Role
			}
		default:
			return o.fail(ctx, j, fmt.Sprintf("%s stopped before the game started: %s", r.Role, describe(st)))
		}
	}
	if err := o.observe(ctx, j, seen); err != nil {
		return err
	}
	if missing != "" {
		return o.unavailable(ctx, j, fmt.Sprintf("%s not visible", missing))
	}
	if !ready {
		return o.resetStreak(ctx, j)
	}

	// The match id names the game so a retry after a lost store write
	// reaches the same game on the host.
	req := gamehost.StartRequest{GameID: j.ID, Config: o.game}
	agentEndpoints := make(map[string]string, len(m.AgentIDs))
	for _, id := range m.AgentIDs {
		ep := endpoints[m.AgentHandles[id]]
		agentEndpoints[id] = ep
		req.Agents = append(req.Agents, gamehost.AgentEndpoint{AgentID: id, Address: ep})
	}
	hostEndpoint := endpoints[m.GameHostHandle]

	gameID, err := o.games.StartGame(ctx, hostEndpoint, req)
	if gamehost.IsTransient(err) {
		return o.unavailable(ctx, j, fmt.Sprintf("start game: %v", err))
	}
	if err != nil {
		return o.fail(ctx, j, fmt.Sprintf("start game: %v", err))
	}

	_, err = o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.Match.GameID = gameID
		j.Match.GameHostEndpoint = hostEndpoint
		j.Match.AgentEndpoints = agentEndpoints
		j.Match.StartedAt = o.clock.Now()
		j.State = job.StateRunning
		j.UnknownStreak = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("record game start: %w", err)
	}
	o.logger.Info("game started", slog.String("id", j.ID), slog.String("game", gameID))
	return nil
}

// watch polls a started game.  The ceiling is checked before the host so a
// hung host cannot keep the match alive.
func (o *Orchestrator) watch(ctx context.Context, j job.Job) error {
	m := j.Match
	if elapsed := o.clock.Since(m.StartedAt); elapsed > o.ceiling {
		o.logger.Warn("match exceeded ceiling",
			slog.String("id", j.ID),
			slog.Duration("elapsed", elapsed),
			slog.Duration("ceiling", o.ceiling),
		)
		return o.fail(ctx, j, job.ReasonTimeout)
	}

	st, err := o.games.GetStatus(ctx, m.GameHostEndpoint, m.GameID)
	if gamehost.IsTransient(err) {
		return o.unavailable(ctx, j, fmt.Sprintf("game status: %v", err))
	}
	if err != nil {
		return o.fail(ctx, j, fmt.Sprintf("game status: %v", err))
	}

	switch st.State {
	case gamehost.StateWaiting, gamehost.StateRunning:
		return o.resetStreak(ctx, j)
	case gamehost.StateFailed:
		reason := st.Error
		if reason == "" {
			reason = "unknown error"
		}
		return o.fail(ctx, j, "game failed: "+reason)
	case gamehost.StateFinished:
		if len(st.Placements) == 0 {
			return o.fail(ctx, j, "game finished without a result")
		}
	default:
		return o.fail(ctx, j, fmt.Sprintf("game host reported unknown state %q", st.State))
	}

	collected, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.Match.Result = resultFrom(st.Placements)
		j.State = job.StateCollecting
		j.UnknownStreak = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return o.collect(ctx, collected)
}

func resultFrom(placements []gamehost.Placement) *job.MatchResult {
	r := &job.MatchResult{WinnerAgentID: placements[0].AgentID}
	for _, p := range placements {
		r.Outcomes = append(r.Outcomes, job.AgentOutcome{AgentID: p.AgentID, Position: p.Position, Score: p.Score})
	}
	return r
}

// collect decides Completed and hands over to cleanup.
func (o *Orchestrator) collect(ctx context.Context, j job.Job) error {
	if j.Match.Result == nil {
		return o.fail(ctx, j, "no result to collect")
	}
	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.Outcome = job.StateCompleted
		j.State = job.StateCleanup
		return nil
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	o.logger.Info("match result collected",
		slog.String("id", j.ID),
		slog.String("winner", j.Match.Result.WinnerAgentID),
	)
	return o.teardown(ctx, j.ID)
}

// fail records reason and routes the match to its terminal state.  A match
// still in Selecting owns nothing and fails directly.
func (o *Orchestrator) fail(ctx context.Context, j job.Job, reason string) error {
	if j.State == job.StateSelecting {
		final, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
			j.Outcome = job.StateFailed
			j.FailureReason = reason
			j.State = job.StateFailed
			return nil
		})
		if err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
		o.done(ctx, final)
		return nil
	}

	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.Outcome = job.StateFailed
		j.FailureReason = reason
		j.State = job.StateCleanup
		return nil
	})
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return o.teardown(ctx, j.ID)
}

// teardown destroys every owned resource and then exposes the outcome.
// Survivors are reported but never change the outcome.
func (o *Orchestrator) teardown(ctx context.Context, id string) error {
	_, err := o.cleanup.DestroyOwned(ctx, o.provider, id)
	if err != nil && !errors.Is(err, job.ErrCleanupIncomplete) {
		return fmt.Errorf("cleanup: %w", err)
	}
	if err != nil {
		o.logger.Error("match cleanup incomplete", slog.String("id", id), slog.String("error", err.Error()))
	}

	final, err := o.store.Update(ctx, id, func(j *job.Job) error {
		if j.Outcome == "" {
			j.Outcome = job.StateFailed
			j.FailureReason = "cleanup entered without an outcome"
		}
		j.State = j.Outcome
		return nil
	})
	if err != nil {
		return fmt.Errorf("record terminal state: %w", err)
	}
	o.done(ctx, final)
	return nil
}

func (o *Orchestrator) done(ctx context.Context, j job.Job) {
	if o.finished != nil {
		o.finished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(job.KindMatch)),
			attribute.String("state", string(j.State)),
		))
	}
	o.logger.Info("match finished",
		slog.String("id", j.ID),
		slog.String("state", string(j.State)),
		slog.String("reason", j.FailureReason),
		slog.Int("leaked", len(j.OwnedResources)),
	)
}

// unavailable counts a tick without a usable answer and fails the match
// once the budget is spent.
func (o *Orchestrator) unavailable(ctx context.Context, j job.Job, reason string) error {
	streak := j.UnknownStreak + 1
	o.logger.Warn("match dependency unavailable",
		slog.String("id", j.ID),
		slog.String("state", string(j.State)),
		slog.Int("streak", streak),
		slog.String("reason", reason),
	)
	if streak >= o.unknownBudget {
		return o.fail(ctx, j, fmt.Sprintf("%s after %d polls: %s", job.ErrTransientUnavailable, streak, reason))
	}
	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.UnknownStreak = streak
		return nil
	})
	return err
}

// observe records handles the provider has reported Pending or Running.
func (o *Orchestrator) observe(ctx context.Context, j job.Job, handles []string) error {
	var added []string
	for _, h := range handles {
		if !slices.Contains(j.Match.ObservedHandles, h) {
			added = append(added, h)
		}
	}
	if len(added) == 0 {
		return nil
	}
	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		for _, h := range added {
			if !slices.Contains(j.Match.ObservedHandles, h) {
				j.Match.ObservedHandles = append(j.Match.ObservedHandles, h)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record observed resources: %w", err)
	}
	return nil
}

func (o *Orchestrator) resetStreak(ctx context.Context, j job.Job) error {
	if j.UnknownStreak == 0 {
		return nil
	}
	_, err := o.store.Update(ctx, j.ID, func(j *job.Job) error {
		j.UnknownStreak = 0
		return nil
	})
	return err
}

func describe(st provider.Status) string {
	if st.Message != "" {
		return fmt.Sprintf("%s (%s)", st.Phase, st.Message)
	}
	return string(st.Phase)
}

// roleLabel keeps metric cardinality bounded by dropping agent ids.
func roleLabel(role string) string {
	if role == roleGameHost {
		return role
	}
	return "agent"
}

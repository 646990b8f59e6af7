// Package job defines the records tracked by the orchestrators: build jobs
// and match jobs, their state machines, and the error taxonomy shared by the
// store, the orchestrators and the API.
package job

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two orchestrated job types.
type Kind string

const (
	KindBuild Kind = "build"
	KindMatch Kind = "match"
)

// Resource is one ephemeral compute unit provisioned on behalf of a job.
// Handle is opaque and only meaningful to the provider that returned it.
type Resource struct {
	Handle string `json:"handle" bson:"handle"`
	// Role describes why the resource exists: "build", "game-host" or
	// "agent:<id>".
	Role string `json:"role" bson:"role"`
}

// Job is the record owned by the JobStore.  Exactly one of Build and Match
// is set, matching Kind.
type Job struct {
	ID        string    `json:"id" bson:"id"`
	Kind      Kind      `json:"kind" bson:"kind"`
	Name      string    `json:"name" bson:"name"`
	State     State     `json:"state" bson:"state"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`

	// OwnedResources is the only source of truth for what cleanup must
	// destroy.  A handle is added after the provider confirms creation and
	// removed after the provider confirms destruction.
	OwnedResources []Resource `json:"owned_resources" bson:"owned_resources"`

	FailureReason string `json:"failure_reason,omitempty" bson:"failure_reason,omitempty"`

	// Outcome is the terminal state decided before cleanup starts.  It is
	// persisted so that a restarted orchestrator finishes cleanup instead of
	// deciding again.
	Outcome State `json:"outcome,omitempty" bson:"outcome,omitempty"`

	// Observed is set once the provider has reported Pending or Running for
	// the job's resources.  Unknown after that point means the resource
	// disappeared.
	Observed bool `json:"observed,omitempty" bson:"observed,omitempty"`

	// UnknownStreak counts consecutive ticks without a usable status.
	UnknownStreak int `json:"unknown_streak,omitempty" bson:"unknown_streak,omitempty"`

	Build *BuildJob `json:"build,omitempty" bson:"build,omitempty"`
	Match *MatchJob `json:"match,omitempty" bson:"match,omitempty"`
}

// BuildJob holds the build-specific part of a job.
type BuildJob struct {
	RepositoryURL  string `json:"repository_url" bson:"repository_url"`
	DockerfilePath string `json:"dockerfile_path" bson:"dockerfile_path"`
	ContextSubPath string `json:"context_sub_path" bson:"context_sub_path"`
	// ImageReference is populated on entering Succeeded.
	ImageReference string `json:"image_reference,omitempty" bson:"image_reference,omitempty"`
}

// MatchJob holds the match-specific part of a job.  ObservedHandles lists
// the resources the provider has reported Pending or Running at least once.
type MatchJob struct {
	AgentIDs         []string          `json:"agent_ids" bson:"agent_ids"`
	AgentImages      map[string]string `json:"agent_images,omitempty" bson:"agent_images,omitempty"`
	GameHostHandle   string            `json:"game_host_handle,omitempty" bson:"game_host_handle,omitempty"`
	GameHostEndpoint string            `json:"game_host_endpoint,omitempty" bson:"game_host_endpoint,omitempty"`
	AgentHandles     map[string]string `json:"agent_handles,omitempty" bson:"agent_handles,omitempty"`
	AgentEndpoints   map[string]string `json:"agent_endpoints,omitempty" bson:"agent_endpoints,omitempty"`
	GameID           string            `json:"game_id,omitempty" bson:"game_id,omitempty"`
	ObservedHandles  []string          `json:"observed_handles,omitempty" bson:"observed_handles,omitempty"`
	ProvisionedAt    time.Time         `json:"provisioned_at,omitempty" bson:"provisioned_at,omitempty"`
	StartedAt        time.Time         `json:"started_at,omitempty" bson:"started_at,omitempty"`
	Result           *MatchResult      `json:"result,omitempty" bson:"result,omitempty"`
}

// MatchResult is the final standing reported by the game host.
type MatchResult struct {
	WinnerAgentID string         `json:"winner_agent_id,omitempty" bson:"winner_agent_id,omitempty"`
	Outcomes      []AgentOutcome `json:"outcomes" bson:"outcomes"`
}

// AgentOutcome is one agent's placement in a finished match.
type AgentOutcome struct {
	AgentID  string `json:"agent_id" bson:"agent_id"`
	Position int    `json:"position" bson:"position"`
	Score    int    `json:"score" bson:"score"`
}

// NewID returns a random opaque job identifier.  Identifiers are UUIDs so
// they stay unique across orchestrator restarts.
func NewID() string {
	return uuid.NewString()
}

// ImageReference derives the registry reference a build pushes to:
// <registry-host>/<name>:<id>.
func ImageReference(registryHost, name, id string) string {
	return fmt.Sprintf("%s/%s:%s", registryHost, name, id)
}

// AddResource records a provisioned handle.  Adding a handle twice is a
// no-op so that a replayed tick cannot duplicate it.
func (j *Job) AddResource(handle, role string) {
	if j.HasResource(handle) {
		return
	}
	j.OwnedResources = append(j.OwnedResources, Resource{Handle: handle, Role: role})
}

// RemoveResource forgets a handle after the provider confirmed it is gone.
func (j *Job) RemoveResource(handle string) {
	j.OwnedResources = slices.DeleteFunc(j.OwnedResources, func(r Resource) bool {
		return r.Handle == handle
	})
}

// HasResource reports whether handle is in the owned set.
func (j *Job) HasResource(handle string) bool {
	return slices.ContainsFunc(j.OwnedResources, func(r Resource) bool {
		return r.Handle == handle
	})
}

// Active reports whether the job still counts against name uniqueness.
func (j *Job) Active() bool {
	return !j.State.IsTerminal()
}

// Clone returns a deep copy so that stores never hand out shared memory.
func (j Job) Clone() Job {
	out := j
	out.OwnedResources = slices.Clone(j.OwnedResources)
	if j.Build != nil {
		b := *j.Build
		out.Build = &b
	}
	if j.Match != nil {
		m := *j.Match
		m.AgentIDs = slices.Clone(j.Match.AgentIDs)
		m.AgentImages = maps.Clone(j.Match.AgentImages)
		m.AgentHandles = maps.Clone(j.Match.AgentHandles)
		m.AgentEndpoints = maps.Clone(j.Match.AgentEndpoints)
		m.ObservedHandles = slices.Clone(j.Match.ObservedHandles)
		if j.Match.Result != nil {
			r := *j.Match.Result
			r.Outcomes = slices.Clone(j.Match.Result.Outcomes)
			m.Result = &r
		}
		out.Match = &m
	}
	return out
}

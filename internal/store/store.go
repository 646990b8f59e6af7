// Package store defines the JobStore: the concurrency-safe mapping from job
// id to job record that the orchestrators, the reaper and the API share.
//
// Implementations live in sub-packages (memory, mongodb) so that callers
// depend only on this interface.
package store

import (
	"context"
	"slices"

	"github.com/terrpan/arena/internal/job"
)

// Store persists jobs.
//
// Update is the only way to change a stored job.  The mutate function runs
// against a private copy while the job is held exclusively; if it returns an
// error nothing is written.  Stores reject transitions the job's state
// machine forbids, so observers never see a state regress.
type Store interface {
	// Create inserts a new job.  It returns *job.AlreadyInProgressError
	// when a non-terminal job of the same kind and name exists.
	Create(ctx context.Context, j job.Job) error

	// Get returns the job with the given id or *job.NotFoundError.
	Get(ctx context.Context, id string) (job.Job, error)

	// Update atomically applies mutate to the job and returns the stored
	// result.  UpdatedAt is set by the store.
	Update(ctx context.Context, id string, mutate func(*job.Job) error) (job.Job, error)

	// List returns the jobs matching f, oldest first.
	List(ctx context.Context, f Filter) ([]job.Job, error)

	// Delete removes a terminal job that owns no resources.
	Delete(ctx context.Context, id string) error
}

// Filter narrows List.  Zero fields match everything.
type Filter struct {
	Kind   job.Kind
	Name   string
	States []job.State
}

// Matches reports whether j satisfies the filter.
func (f Filter) Matches(j job.Job) bool {
	if f.Kind != "" && j.Kind != f.Kind {
		return false
	}
	if f.Name != "" && j.Name != f.Name {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
		return false
	}
	return true
}

// CheckUpdate validates the result of a mutate function against the
// previous record.  Identity fields are immutable and the state may only
// move along a permitted edge.
func CheckUpdate(before, after job.Job) error {
	if after.ID != before.ID || after.Kind != before.Kind || after.Name != before.Name {
		return job.NewValidationError("job identity is immutable", before.ID)
	}
	if !job.CanTransition(before.Kind, before.State, after.State) {
		return &job.TransitionError{ID: before.ID, Kind: before.Kind, From: before.State, To: after.State}
	}
	return nil
}

// CheckDelete returns an error unless j may be removed from the store.
func CheckDelete(j job.Job) error {
	if !j.State.IsTerminal() {
		return job.NewValidationError("cannot delete an active job", j.ID)
	}
	if len(j.OwnedResources) > 0 {
		return job.NewValidationError("cannot delete a job that still owns resources", j.ID)
	}
	return nil
}

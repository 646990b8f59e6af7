// Package memory provides an in-process job store.  Contents are lost when
// the process exits; use the mongodb store where jobs must survive a
// restart.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

// Compile-time check.
var _ store.Store = (*Store)(nil)

// Store keeps jobs in a map guarded by a single mutex.  Every read and
// write goes through a deep copy so callers never share memory with the
// stored record.
type Store struct {
	mu    sync.Mutex
	jobs  map[string]job.Job
	clock clock.PassiveClock
}

// New returns an empty store.  A nil clock uses the real clock.
func New(c clock.PassiveClock) *Store {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Store{
		jobs:  make(map[string]job.Job),
		clock: c,
	}
}

func (s *Store) Create(_ context.Context, j job.Job) error {
	if j.ID == "" {
		return job.NewValidationError("job id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return &job.AlreadyInProgressError{Kind: j.Kind, Name: j.Name, ID: j.ID}
	}
	if !j.State.IsTerminal() {
		for _, existing := range s.jobs {
			if existing.Kind == j.Kind && existing.Name == j.Name && existing.Active() {
				return &job.AlreadyInProgressError{Kind: j.Kind, Name: j.Name, ID: existing.ID}
			}
		}
	}

	now := s.clock.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) Get(_ context.Context, id string) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return job.Job{}, &job.NotFoundError{Type: "job", ID: id}
	}
	return j.Clone(), nil
}

func (s *Store) Update(_ context.Context, id string, mutate func(*job.Job) error) (job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, ok := s.jobs[id]
	if !ok {
		return job.Job{}, &job.NotFoundError{Type: "job", ID: id}
	}

	after := before.Clone()
	if err := mutate(&after); err != nil {
		return before.Clone(), err
	}
	if err := store.CheckUpdate(before, after); err != nil {
		return before.Clone(), err
	}
	after.UpdatedAt = s.clock.Now()
	s.jobs[id] = after.Clone()
	return after, nil
}

func (s *Store) List(_ context.Context, f store.Filter) ([]job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []job.Job
	for _, j := range s.jobs {
		if f.Matches(j) {
			out = append(out, j.Clone())
		}
	}
	slices.SortFunc(out, func(a, b job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return &job.NotFoundError{Type: "job", ID: id}
	}
	if err := store.CheckDelete(j); err != nil {
		return err
	}
	delete(s.jobs, id)
	return nil
}

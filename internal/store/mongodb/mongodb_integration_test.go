//go:build integration

package mongodb

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

// These tests need a reachable MongoDB replica set.  Point
// ARENA_MONGODB_URI at it, e.g. mongodb://localhost:27017/?replicaSet=rs0.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("ARENA_MONGODB_URI")
	if uri == "" {
		t.Skip("ARENA_MONGODB_URI not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, uri, "arena_test_"+job.NewID()[:8], 10*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = db.Client().Disconnect(context.Background())
	})

	s, err := New(ctx, db, nil)
	require.NoError(t, err)
	return s
}

func TestStoreLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := job.Job{ID: job.NewID(), Kind: job.KindBuild, Name: "agent", State: job.StatePending, Build: &job.BuildJob{RepositoryURL: "https://example.com/a.git"}}
	require.NoError(t, s.Create(ctx, j))

	err := s.Create(ctx, job.Job{ID: job.NewID(), Kind: job.KindBuild, Name: "agent", State: job.StatePending})
	var aip *job.AlreadyInProgressError
	require.ErrorAs(t, err, &aip)
	assert.Equal(t, j.ID, aip.ID)

	got, err := s.Update(ctx, j.ID, func(j *job.Job) error {
		j.State = job.StateRunning
		j.AddResource("arena/build-1", "build")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, got.State)

	_, err = s.Update(ctx, j.ID, func(j *job.Job) error {
		j.State = job.StatePending
		return nil
	})
	var te *job.TransitionError
	require.ErrorAs(t, err, &te)

	_, err = s.Update(ctx, j.ID, func(j *job.Job) error {
		j.State = job.StateSucceeded
		j.RemoveResource("arena/build-1")
		return nil
	})
	require.NoError(t, err)

	list, err := s.List(ctx, store.Filter{Kind: job.KindBuild, States: []job.State{job.StateSucceeded}})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].OwnedResources)

	// The name is free again once the first job is terminal.
	require.NoError(t, s.Create(ctx, job.Job{ID: job.NewID(), Kind: job.KindBuild, Name: "agent", State: job.StatePending}))

	require.NoError(t, s.Delete(ctx, j.ID))
	_, err = s.Get(ctx, j.ID)
	assert.True(t, job.IsNotFound(err))
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	j := job.Job{ID: job.NewID(), Kind: job.KindMatch, Name: "m", State: job.StateSelecting, Match: &job.MatchJob{}}
	require.NoError(t, s.Create(ctx, j))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(ctx, j.ID, func(j *job.Job) error {
				j.UnknownStreak++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.UnknownStreak)
}

package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/suite"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/terrpan/arena/internal/cleanup"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/provider/providertest"
	"github.com/terrpan/arena/internal/store/memory"
)

type ReaperSuite struct {
	suite.Suite
	ctx   context.Context
	clock *testingclock.FakeClock
	store *memory.Store
	prov  *providertest.Fake
	cfg   Config
	r     *Reaper
}

func (s *ReaperSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.store = memory.New(s.clock)
	s.prov = providertest.New()
	s.prov.Now = s.clock.Now

	s.cfg = Config{
		Store: s.store,
		Cleanup: cleanup.New(cleanup.Config{
			Store:    s.store,
			Attempts: 2,
			BackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		}),
		Providers: map[job.Kind]provider.Provider{
			job.KindBuild: s.prov,
			job.KindMatch: s.prov,
		},
		Clock:    s.clock,
		Interval: time.Minute,
		MaxAge:   time.Hour,
	}
	s.r = New(s.cfg)
}

func (s *ReaperSuite) rebuild(mod func(*Config)) {
	mod(&s.cfg)
	s.r = New(s.cfg)
}

func TestReaperSuite(t *testing.T) {
	suite.Run(t, new(ReaperSuite))
}

func (s *ReaperSuite) resource(jobID, role string) string {
	h, err := s.prov.Create(s.ctx, provider.Spec{Name: role, Labels: provider.Labels(jobID, role)})
	s.Require().NoError(err)
	return h
}

func (s *ReaperSuite) addJob(kind job.Kind, state job.State) job.Job {
	j := job.Job{ID: job.NewID(), Kind: kind, Name: "job-" + job.NewID()[:8], State: state}
	if kind == job.KindBuild {
		j.Build = &job.BuildJob{}
	} else {
		j.Match = &job.MatchJob{}
	}
	s.Require().NoError(s.store.Create(s.ctx, j))
	return j
}

// ---------------------------------------------------------------------------
// Leaked handles of finished jobs
// ---------------------------------------------------------------------------

func (s *ReaperSuite) TestRetriesLeakedHandles() {
	id := job.NewID()
	h := s.resource(id, "build")
	j := job.Job{ID: id, Kind: job.KindBuild, Name: "demo", State: job.StateFailed, Build: &job.BuildJob{}}
	j.AddResource(h, "build")
	s.Require().NoError(s.store.Create(s.ctx, j))

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Retried)
	s.Equal(1, s.prov.Destroys(h))

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Empty(got.OwnedResources)
	s.Equal(job.StateFailed, got.State)
}

func (s *ReaperSuite) TestSurvivorsStayOwned() {
	id := job.NewID()
	h := s.resource(id, "game-host")
	j := job.Job{ID: id, Kind: job.KindMatch, Name: "match-" + id, State: job.StateCompleted, Match: &job.MatchJob{}}
	j.AddResource(h, "game-host")
	s.Require().NoError(s.store.Create(s.ctx, j))
	s.prov.DestroyErr = func(string) error { return errors.New("locked") }

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Incomplete)
	s.Zero(rep.Retried)

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Len(got.OwnedResources, 1)
}

func (s *ReaperSuite) TestActiveJobsAreLeftAlone() {
	id := job.NewID()
	h := s.resource(id, "build")
	j := job.Job{ID: id, Kind: job.KindBuild, Name: "demo", State: job.StateRunning, Build: &job.BuildJob{}}
	j.AddResource(h, "build")
	s.Require().NoError(s.store.Create(s.ctx, j))
	s.clock.Step(2 * time.Hour)

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(Report{}, rep)
	s.Zero(s.prov.TotalDestroys())
}

// ---------------------------------------------------------------------------
// Orphans
// ---------------------------------------------------------------------------

func (s *ReaperSuite) TestDestroysOldResourceOfMissingJob() {
	old := s.resource(job.NewID(), "build")
	s.clock.Step(90 * time.Minute)
	young := s.resource(job.NewID(), "build")

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Orphans)
	s.Equal(1, s.prov.Destroys(old), "shared provider is scanned once")
	s.Zero(s.prov.Destroys(young))
	s.Equal([]string{young}, s.prov.Live())
}

func (s *ReaperSuite) TestDestroysResourceFinishedJobDoesNotOwn() {
	j := s.addJob(job.KindMatch, job.StateFailed)
	h := s.resource(j.ID, "agent:a")
	s.clock.Step(2 * time.Hour)

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Orphans)
	s.Equal(1, s.prov.Destroys(h))
}

func (s *ReaperSuite) TestKeepsResourceOfActiveJob() {
	j := s.addJob(job.KindMatch, job.StateProvisioning)
	h := s.resource(j.ID, "agent:a")
	s.clock.Step(2 * time.Hour)

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(rep.Orphans)
	s.Equal([]string{h}, s.prov.Live())
}

func (s *ReaperSuite) TestUnmanagedResourcesAreIgnored() {
	h, err := s.prov.Create(s.ctx, provider.Spec{Name: "someone-else"})
	s.Require().NoError(err)
	s.clock.Step(2 * time.Hour)

	_, err = s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{h}, s.prov.Live())
}

func (s *ReaperSuite) TestOrphanDestroyFailureIsReported() {
	s.resource(job.NewID(), "build")
	s.clock.Step(2 * time.Hour)
	s.prov.DestroyErr = func(string) error { return errors.New("api down") }

	rep, err := s.r.ReapOnce(s.ctx)
	s.ErrorContains(err, "destroy orphan")
	s.Zero(rep.Orphans)
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

func (s *ReaperSuite) TestRetentionDeletesOldFinishedJobs() {
	s.rebuild(func(c *Config) { c.Retention = 24 * time.Hour })
	old := s.addJob(job.KindBuild, job.StateSucceeded)
	active := s.addJob(job.KindMatch, job.StateRunning)
	s.clock.Step(25 * time.Hour)
	recent := s.addJob(job.KindMatch, job.StateCompleted)

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, rep.Deleted)

	_, err = s.store.Get(s.ctx, old.ID)
	s.True(job.IsNotFound(err))
	_, err = s.store.Get(s.ctx, active.ID)
	s.NoError(err)
	_, err = s.store.Get(s.ctx, recent.ID)
	s.NoError(err)
}

func (s *ReaperSuite) TestNoRetentionKeepsEverything() {
	j := s.addJob(job.KindBuild, job.StateFailed)
	s.clock.Step(1000 * time.Hour)

	rep, err := s.r.ReapOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(rep.Deleted)
	_, err = s.store.Get(s.ctx, j.ID)
	s.NoError(err)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func (s *ReaperSuite) TestRunMakesFinalPassOnShutdown() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.r.Run(ctx) }()
	s.Eventually(s.clock.HasWaiters, time.Second, 5*time.Millisecond)

	id := job.NewID()
	h := s.resource(id, "build")
	j := job.Job{ID: id, Kind: job.KindBuild, Name: "late", State: job.StateSucceeded, Build: &job.BuildJob{}}
	j.AddResource(h, "build")
	s.Require().NoError(s.store.Create(s.ctx, j))

	cancel()
	s.NoError(<-done)
	s.Equal(1, s.prov.Destroys(h))
	s.Empty(s.prov.Live())
}

func (s *ReaperSuite) TestRunPassesOnInterval() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.r.Run(ctx) }()
	s.Eventually(s.clock.HasWaiters, time.Second, 5*time.Millisecond)

	h := s.resource(job.NewID(), "build")
	s.clock.Step(2 * time.Hour)
	s.Eventually(func() bool { return s.prov.Destroys(h) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

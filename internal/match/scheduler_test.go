package match

import (
	"context"
	"time"

	"github.com/terrpan/arena/internal/agents"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/store"
)

// ---------------------------------------------------------------------------
// AutoScheduler (shares MatchSuite fixtures)
// ---------------------------------------------------------------------------

func (s *MatchSuite) matches() []job.Job {
	all, err := s.store.List(s.ctx, store.Filter{Kind: job.KindMatch})
	s.Require().NoError(err)
	return all
}

func (s *MatchSuite) TestScheduleOnceSubmits() {
	a := NewAutoScheduler(s.o, time.Minute, s.clock, nil)

	id, err := a.ScheduleOnce(s.ctx)
	s.Require().NoError(err)
	s.NotEmpty(id)

	all := s.matches()
	s.Require().Len(all, 1)
	s.Equal(id, all[0].ID)
	s.Equal(job.StateSelecting, all[0].State)
	s.Empty(all[0].Match.AgentIDs, "selector picks the agents")
}

func (s *MatchSuite) TestScheduleOnceSkipsWhileActive() {
	a := NewAutoScheduler(s.o, time.Minute, s.clock, nil)
	s.submit()

	id, err := a.ScheduleOnce(s.ctx)
	s.Require().NoError(err)
	s.Empty(id)
	s.Len(s.matches(), 1)
}

func (s *MatchSuite) TestScheduleOnceAfterTerminal() {
	small, err := agents.NewStatic(roster("a", "b"))
	s.Require().NoError(err)
	s.rebuild(func(c *Config) { c.Agents = small })
	a := NewAutoScheduler(s.o, time.Minute, s.clock, nil)

	m := s.submit("a", "ghost")
	s.Equal(job.StateFailed, s.tick(m.ID).State)

	id, err := a.ScheduleOnce(s.ctx)
	s.Require().NoError(err)
	s.NotEmpty(id)
}

func (s *MatchSuite) TestScheduleOnceSkipsSmallRoster() {
	small, err := agents.NewStatic(roster("solo"))
	s.Require().NoError(err)
	s.rebuild(func(c *Config) { c.Agents = small })
	a := NewAutoScheduler(s.o, time.Minute, s.clock, nil)

	id, err := a.ScheduleOnce(s.ctx)
	s.Require().NoError(err)
	s.Empty(id)
	s.Empty(s.matches())
}

func (s *MatchSuite) TestSchedulerRunSubmitsOnTick() {
	a := NewAutoScheduler(s.o, time.Minute, s.clock, nil)
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	s.Eventually(s.clock.HasWaiters, time.Second, 5*time.Millisecond)
	s.Empty(s.matches())

	s.clock.Step(time.Minute)
	s.Eventually(func() bool { return len(s.matches()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

package build

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/terrpan/arena/internal/cleanup"
	"github.com/terrpan/arena/internal/deploy"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/provider/providertest"
	"github.com/terrpan/arena/internal/store/memory"
)

const registry = "registry.local:5000"

type BuildSuite struct {
	suite.Suite
	ctx   context.Context
	clock *testingclock.FakeClock
	store *memory.Store
	prov  *providertest.Fake
	o     *Orchestrator
}

func (s *BuildSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.store = memory.New(s.clock)
	s.prov = providertest.New()
	s.o = New(Config{
		Store:        s.store,
		Provider:     s.prov,
		RegistryHost: registry,
		Cleanup: cleanup.New(cleanup.Config{
			Store:    s.store,
			Attempts: 3,
			BackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		}),
	})
}

func TestBuildSuite(t *testing.T) {
	suite.Run(t, new(BuildSuite))
}

func (s *BuildSuite) demo() Request {
	return Request{
		Name:           "demo",
		RepositoryURL:  "https://example.com/repo.git",
		DockerfilePath: "Dockerfile",
		ContextSubPath: ".",
	}
}

func (s *BuildSuite) submit(req Request) job.Job {
	j, err := s.o.Submit(s.ctx, req)
	s.Require().NoError(err)
	return j
}

// tick advances the build once, as the driver would, and returns what a
// poll observes afterwards.
func (s *BuildSuite) tick(id string) job.Job {
	j, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NoError(s.o.Advance(s.ctx, j))
	s.clock.Step(time.Second)
	j, err = s.o.Poll(s.ctx, id)
	s.Require().NoError(err)
	return j
}

// external maps a state onto the PollBuild vocabulary.
func external(st job.State) string {
	switch st {
	case job.StatePending, job.StateRunning:
		return "RUNNING"
	case job.StateSucceeded:
		return "SUCCEEDED"
	case job.StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func (s *BuildSuite) TestRunningRunningSucceededThenDeploy() {
	s.prov.Script = []provider.Status{
		{Phase: provider.PhaseRunning},
		{Phase: provider.PhaseSucceeded},
	}

	b := s.submit(s.demo())
	s.Equal(job.StatePending, b.State)

	var seen []string
	for range 3 {
		seen = append(seen, external(s.tick(b.ID).State))
	}
	s.Equal([]string{"RUNNING", "RUNNING", "SUCCEEDED"}, seen)

	final, err := s.o.Poll(s.ctx, b.ID)
	s.Require().NoError(err)
	want := registry + "/demo:" + b.ID
	s.Equal(want, final.Build.ImageReference)
	s.Empty(final.OwnedResources)
	s.Empty(s.prov.Live())
	s.Equal(1, s.prov.Creates())
	s.Equal(1, s.prov.TotalDestroys())

	spec := s.prov.Specs()[0]
	s.Equal(DefaultBuilderImage, spec.Image)
	s.Equal([]string{
		"--dockerfile=Dockerfile",
		"--context=git://example.com/repo.git",
		"--context-sub-path=.",
		"--destination=" + want,
	}, spec.Args)
	s.Equal(b.ID, spec.Labels[provider.LabelJobID])

	client := fake.NewSimpleClientset()
	backend, err := deploy.NewKubeBackend(client, deploy.KubeConfig{Namespace: "apps"}, nil)
	s.Require().NoError(err)
	res, err := deploy.New(deploy.Config{Store: s.store, Backend: backend}).Deploy(s.ctx, "demo")
	s.Require().NoError(err)
	s.Equal(want, res.Workload.Image)

	d, err := client.AppsV1().Deployments("apps").Get(s.ctx, "gameclient-demo", metav1.GetOptions{})
	s.Require().NoError(err)
	s.Equal(want, d.Spec.Template.Spec.Containers[0].Image)
}

func (s *BuildSuite) TestSecondBuildWhileActiveIsRejected() {
	first := s.submit(s.demo())
	s.tick(first.ID)

	_, err := s.o.Submit(s.ctx, s.demo())
	var ae *job.AlreadyInProgressError
	s.Require().ErrorAs(err, &ae)
	s.Equal(first.ID, ae.ID)
	s.Equal(1, s.prov.Creates(), "no second build resource")

	s.prov.SetAll(provider.Status{Phase: provider.PhaseSucceeded})
	s.tick(first.ID)

	second := s.submit(s.demo())
	s.NotEqual(first.ID, second.ID)
}

func (s *BuildSuite) TestFailureCapturesLogs() {
	s.prov.Script = []provider.Status{{Phase: provider.PhaseFailed, Message: "exit code 1"}}
	s.prov.LogLines = []string{"step 1/3", "error: COPY failed: no such file"}

	b := s.submit(s.demo())
	s.tick(b.ID)
	handle := s.prov.Live()[0]
	got := s.tick(b.ID)

	s.Equal(job.StateFailed, got.State)
	s.Contains(got.FailureReason, "exit code 1")
	s.Contains(got.FailureReason, "COPY failed")
	s.Empty(got.Build.ImageReference)
	s.Empty(got.OwnedResources)
	s.Equal(1, s.prov.Destroys(handle))
}

func (s *BuildSuite) TestProvisionErrorFails() {
	s.prov.CreateErr = func(provider.Spec) error { return errors.New("quota exceeded") }

	b := s.submit(s.demo())
	got := s.tick(b.ID)

	s.Equal(job.StateFailed, got.State)
	s.Contains(got.FailureReason, "quota exceeded")
	s.Empty(got.OwnedResources)
	s.Zero(s.prov.TotalDestroys())
}

func (s *BuildSuite) TestUnknownBudgetBeforeObserved() {
	s.prov.Script = []provider.Status{{Phase: provider.PhaseUnknown}}

	b := s.submit(s.demo())
	s.tick(b.ID)
	s.Equal(job.StateRunning, s.tick(b.ID).State)
	s.Equal(job.StateRunning, s.tick(b.ID).State)
	got := s.tick(b.ID)

	s.Equal(job.StateFailed, got.State)
	s.Contains(got.FailureReason, job.ErrTransientUnavailable.Error())
	s.Empty(s.prov.Live())
}

func (s *BuildSuite) TestStatusErrorsResetAfterRecovery() {
	b := s.submit(s.demo())
	s.tick(b.ID)

	s.prov.StatusErr = errors.New("connection refused")
	got := s.tick(b.ID)
	s.Equal(1, got.UnknownStreak)

	s.prov.StatusErr = nil
	got = s.tick(b.ID)
	s.Equal(job.StateRunning, got.State)
	s.Zero(got.UnknownStreak)
	s.True(got.Observed)
}

func (s *BuildSuite) TestDisappearedAfterObserved() {
	s.prov.Script = []provider.Status{{Phase: provider.PhaseRunning}}

	b := s.submit(s.demo())
	s.tick(b.ID)
	s.True(s.tick(b.ID).Observed)

	handle := s.prov.Live()[0]
	s.prov.Vanish(handle)
	got := s.tick(b.ID)

	s.Equal(job.StateFailed, got.State)
	s.Contains(got.FailureReason, "disappeared")
	s.Empty(got.OwnedResources)
}

func (s *BuildSuite) TestCleanupIncompleteKeepsOutcome() {
	s.prov.Script = []provider.Status{{Phase: provider.PhaseSucceeded}}
	s.prov.DestroyErr = func(string) error { return errors.New("backend down") }

	b := s.submit(s.demo())
	s.tick(b.ID)
	handle := s.prov.Live()[0]
	got := s.tick(b.ID)

	s.Equal(job.StateSucceeded, got.State)
	s.Equal([]job.Resource{{Handle: handle, Role: "build"}}, got.OwnedResources)
	s.Equal(3, s.prov.Destroys(handle))
}

func (s *BuildSuite) TestResumesCleanupAfterRestart() {
	handle, err := s.prov.Create(s.ctx, provider.Spec{Name: "build-demo"})
	s.Require().NoError(err)

	j := job.Job{
		ID:      job.NewID(),
		Kind:    job.KindBuild,
		Name:    "demo",
		State:   job.StateRunning,
		Outcome: job.StateSucceeded,
		Build:   &job.BuildJob{RepositoryURL: "https://example.com/repo.git"},
	}
	j.AddResource(handle, "build")
	s.Require().NoError(s.store.Create(s.ctx, j))

	got := s.tick(j.ID)
	s.Equal(job.StateSucceeded, got.State)
	s.Empty(got.OwnedResources)
	s.Zero(s.prov.StatusCalls(handle), "outcome already decided")
	s.Equal(1, s.prov.Destroys(handle))
}

func (s *BuildSuite) TestPollNeverTouchesProvider() {
	b := s.submit(s.demo())
	s.tick(b.ID)
	handle := s.prov.Live()[0]

	for range 5 {
		got, err := s.o.Poll(s.ctx, b.ID)
		s.Require().NoError(err)
		s.Equal(job.StateRunning, got.State)
	}
	s.Zero(s.prov.StatusCalls(handle))
}

func (s *BuildSuite) TestPollUnknownID() {
	_, err := s.o.Poll(s.ctx, "nope")
	s.True(job.IsNotFound(err))
}

func (s *BuildSuite) TestStateSequencesNeverRegress() {
	scripts := map[string][]provider.Status{
		"success":  {{Phase: provider.PhasePending}, {Phase: provider.PhaseRunning}, {Phase: provider.PhaseSucceeded}},
		"failure":  {{Phase: provider.PhaseRunning}, {Phase: provider.PhaseFailed}},
		"unknown":  {{Phase: provider.PhaseUnknown}},
		"flapping": {{Phase: provider.PhaseRunning}, {Phase: provider.PhasePending}, {Phase: provider.PhaseRunning}, {Phase: provider.PhaseSucceeded}},
	}
	rank := map[job.State]int{job.StatePending: 0, job.StateRunning: 1, job.StateSucceeded: 2, job.StateFailed: 2}

	for name, script := range scripts {
		s.Run(name, func() {
			s.SetupTest()
			s.prov.Script = script

			b := s.submit(s.demo())
			prev := b.State
			for range 8 {
				cur := s.tick(b.ID).State
				s.GreaterOrEqual(rank[cur], rank[prev], "%s -> %s", prev, cur)
				if prev.IsTerminal() {
					s.Equal(prev, cur, "terminal states are final")
				}
				prev = cur
			}
			s.True(prev.IsTerminal())
		})
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestSubmitValidation(t *testing.T) {
	o := New(Config{Store: memory.New(nil), Provider: providertest.New(), RegistryHost: registry})

	tests := []struct {
		name string
		req  Request
	}{
		{"empty name", Request{RepositoryURL: "https://example.com/r.git"}},
		{"upper case", Request{Name: "Demo", RepositoryURL: "https://example.com/r.git"}},
		{"underscore", Request{Name: "my_bot", RepositoryURL: "https://example.com/r.git"}},
		{"missing repo", Request{Name: "demo"}},
		{"ssh repo", Request{Name: "demo", RepositoryURL: "ssh://git@example.com/r.git"}},
		{"no host", Request{Name: "demo", RepositoryURL: "https:///r.git"}},
		{"absolute dockerfile", Request{Name: "demo", RepositoryURL: "https://example.com/r.git", DockerfilePath: "/etc/passwd"}},
		{"escaping context", Request{Name: "demo", RepositoryURL: "https://example.com/r.git", ContextSubPath: "../.."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Submit(context.Background(), tt.req)
			var ve *job.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestSubmitAppliesDefaults(t *testing.T) {
	o := New(Config{Store: memory.New(nil), Provider: providertest.New(), RegistryHost: registry})

	j, err := o.Submit(context.Background(), Request{Name: "demo", RepositoryURL: "https://example.com/r.git"})
	assert.NoError(t, err)
	assert.Equal(t, DefaultDockerfilePath, j.Build.DockerfilePath)
	assert.Equal(t, DefaultContextSubPath, j.Build.ContextSubPath)
	assert.Equal(t, job.StatePending, j.State)
}

func TestBuilderArgs(t *testing.T) {
	args := BuilderArgs(&job.BuildJob{
		RepositoryURL:  "git://example.com/team/bot.git",
		DockerfilePath: "docker/Dockerfile",
		ContextSubPath: "bot",
	}, "r/bot:1")
	assert.Equal(t, []string{
		"--dockerfile=docker/Dockerfile",
		"--context=git://example.com/team/bot.git",
		"--context-sub-path=bot",
		"--destination=r/bot:1",
	}, args)
}

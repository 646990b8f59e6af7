package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/provider"
)

// ---------------------------------------------------------------------------
// Mock daemon (satisfies containerAPI)
// ---------------------------------------------------------------------------

type mockDaemon struct {
	mu sync.Mutex

	images     map[string]bool
	containers map[string]container.InspectResponse
	created    []*container.Config
	hosts      []*container.HostConfig
	removed    []string
	pulled     []string
	logs       []byte
	listFilter string

	startErr  error
	removeErr error
	nextID    int
}

func newMockDaemon() *mockDaemon {
	return &mockDaemon{
		images:     make(map[string]bool),
		containers: make(map[string]container.InspectResponse),
	}
}

func notFoundErr(what string) error {
	return fmt.Errorf("no such %s: %w", what, cerrdefs.ErrNotFound)
}

func (m *mockDaemon) ContainerCreate(_ context.Context, cfg *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.images[cfg.Image] {
		return container.CreateResponse{}, notFoundErr("image")
	}
	m.nextID++
	id := fmt.Sprintf("c%d", m.nextID)
	m.created = append(m.created, cfg)
	m.hosts = append(m.hosts, host)
	m.containers[id] = container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: id, State: &container.State{Status: "created"}},
		Config:            cfg,
	}
	return container.CreateResponse{ID: id}, nil
}

func (m *mockDaemon) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.containers[id].State.Status = "running"
	return nil
}

func (m *mockDaemon) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return container.InspectResponse{}, notFoundErr("container")
	}
	return c, nil
}

func (m *mockDaemon) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErr != nil {
		return m.removeErr
	}
	if _, ok := m.containers[id]; !ok {
		return notFoundErr("container")
	}
	delete(m.containers, id)
	m.removed = append(m.removed, id)
	return nil
}

func (m *mockDaemon) ContainerLogs(_ context.Context, id string, _ container.LogsOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.containers[id]; !ok {
		return nil, notFoundErr("container")
	}
	return io.NopCloser(bytes.NewReader(m.logs)), nil
}

func (m *mockDaemon) ContainerList(_ context.Context, opts container.ListOptions) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listFilter = opts.Filters.Get("label")[0]
	var out []container.Summary
	for id, c := range m.containers {
		if c.Config.Labels[provider.LabelManaged] == "true" {
			out = append(out, container.Summary{ID: id, Labels: c.Config.Labels, Created: 1767225600})
		}
	}
	return out, nil
}

func (m *mockDaemon) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pulled = append(m.pulled, ref)
	m.images[ref] = true
	return io.NopCloser(bytes.NewBufferString(`{"status":"Downloaded"}`)), nil
}

func (m *mockDaemon) Close() error { return nil }

func (m *mockDaemon) setState(id string, st container.State, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.containers[id]
	*c.State = st
	c.NetworkSettings = &container.NetworkSettings{
		Networks: map[string]*network.EndpointSettings{"arena": {IPAddress: ip}},
	}
	m.containers[id] = c
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type DockerProviderSuite struct {
	suite.Suite
	ctx    context.Context
	daemon *mockDaemon
	p      *Provider
}

func (s *DockerProviderSuite) SetupTest() {
	s.ctx = context.Background()
	s.daemon = newMockDaemon()
	s.p = newProvider(s.daemon, Config{Network: "arena"}, nil)
}

func TestDockerProviderSuite(t *testing.T) {
	suite.Run(t, new(DockerProviderSuite))
}

func (s *DockerProviderSuite) spec() provider.Spec {
	return provider.Spec{
		Name:   "host-1",
		Image:  "registry.local/host:1",
		Args:   []string{"--port", "7000"},
		Env:    map[string]string{"Z": "last", "A": "first"},
		Port:   7000,
		Limits: provider.Limits{CPU: "250m", Memory: "256Mi"},
		Labels: provider.Labels("job-1", "game-host"),
	}
}

func (s *DockerProviderSuite) TestCreatePullsMissingImage() {
	h, err := s.p.Create(s.ctx, s.spec())
	s.Require().NoError(err)
	s.Equal("c1", h)
	s.Equal([]string{"registry.local/host:1"}, s.daemon.pulled)

	cfg := s.daemon.created[0]
	s.Equal([]string{"A=first", "Z=last"}, cfg.Env)
	s.Equal("7000", cfg.Labels[portLabel])
	s.Equal("true", cfg.Labels[provider.LabelManaged])

	host := s.daemon.hosts[0]
	s.Equal(container.NetworkMode("arena"), host.NetworkMode)
	s.Equal(int64(250_000_000), host.NanoCPUs)
	s.Equal(int64(256<<20), host.Memory)
}

func (s *DockerProviderSuite) TestCreateStartFailureRemovesContainer() {
	s.daemon.images["registry.local/host:1"] = true
	s.daemon.startErr = errors.New("port already allocated")

	_, err := s.p.Create(s.ctx, s.spec())
	var pe *job.ProvisionError
	s.Require().ErrorAs(err, &pe)
	s.Equal([]string{"c1"}, s.daemon.removed)
	s.Empty(s.daemon.containers)
}

func (s *DockerProviderSuite) TestCreateInvalidLimits() {
	spec := s.spec()
	spec.Limits.Memory = "lots"
	_, err := s.p.Create(s.ctx, spec)
	var pe *job.ProvisionError
	s.Require().ErrorAs(err, &pe)
	s.Empty(s.daemon.created)
}

func (s *DockerProviderSuite) TestStatus() {
	h, err := s.p.Create(s.ctx, s.spec())
	s.Require().NoError(err)

	s.daemon.setState(h, container.State{Status: "running"}, "172.18.0.5")
	st, err := s.p.Status(s.ctx, h)
	s.Require().NoError(err)
	s.Equal(provider.PhaseRunning, st.Phase)
	s.Equal("172.18.0.5:7000", st.Endpoint)

	s.daemon.setState(h, container.State{Status: "exited", ExitCode: 0}, "")
	st, err = s.p.Status(s.ctx, h)
	s.Require().NoError(err)
	s.Equal(provider.PhaseSucceeded, st.Phase)

	s.daemon.setState(h, container.State{Status: "exited", ExitCode: 137}, "")
	st, err = s.p.Status(s.ctx, h)
	s.Require().NoError(err)
	s.Equal(provider.PhaseFailed, st.Phase)
	s.Equal("exit code 137", st.Message)
}

func (s *DockerProviderSuite) TestStatusUnknownWhenGone() {
	st, err := s.p.Status(s.ctx, "missing")
	s.Require().NoError(err)
	s.Equal(provider.PhaseUnknown, st.Phase)
}

func (s *DockerProviderSuite) TestDestroyIsIdempotent() {
	h, err := s.p.Create(s.ctx, s.spec())
	s.Require().NoError(err)

	s.Require().NoError(s.p.Destroy(s.ctx, h))
	s.Require().NoError(s.p.Destroy(s.ctx, h))
	s.Equal([]string{h}, s.daemon.removed)
}

func (s *DockerProviderSuite) TestDestroyError() {
	s.daemon.removeErr = errors.New("daemon busy")
	s.Error(s.p.Destroy(s.ctx, "c1"))
}

func (s *DockerProviderSuite) TestLogsDemultiplexed() {
	h, err := s.p.Create(s.ctx, s.spec())
	s.Require().NoError(err)

	var buf bytes.Buffer
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte("listening on :7000\n"))
	s.Require().NoError(err)
	_, err = stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte("agent disconnected\n"))
	s.Require().NoError(err)
	s.daemon.logs = buf.Bytes()

	lines, err := s.p.Logs(s.ctx, h)
	s.Require().NoError(err)
	s.Equal([]string{"listening on :7000", "agent disconnected"}, lines)

	lines, err = s.p.Logs(s.ctx, "missing")
	s.Require().NoError(err)
	s.Empty(lines)
}

func (s *DockerProviderSuite) TestListManaged() {
	h, err := s.p.Create(s.ctx, s.spec())
	s.Require().NoError(err)

	managed, err := s.p.ListManaged(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(managed, 1)
	s.Equal(h, managed[0].Handle)
	s.Equal("job-1", managed[0].JobID)
	s.Equal("game-host", managed[0].Role)
	s.Equal(provider.LabelManaged+"=true", s.daemon.listFilter)
}

func TestApplyLimits(t *testing.T) {
	var h container.HostConfig
	require.NoError(t, applyLimits(&h, provider.Limits{CPU: "1.5", Memory: "1Gi"}))
	assert.Equal(t, int64(1_500_000_000), h.NanoCPUs)
	assert.Equal(t, int64(1<<30), h.Memory)

	assert.Error(t, applyLimits(&h, provider.Limits{CPU: "fast"}))
}

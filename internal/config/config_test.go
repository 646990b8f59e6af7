package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/terrpan/arena/internal/agents"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a minimal Config that passes Validate() with the
// in-memory store and a static roster.
func validConfig() *Config {
	return &Config{
		Registry: RegistryConfig{Host: "registry.local"},
		Match: MatchConfig{
			GameHostImage: "registry.local/game-host:1",
		},
		Agents: AgentsConfig{
			Roster: []agents.Agent{
				{ID: "a", Image: "registry.local/a:1"},
				{ID: "b", Image: "registry.local/b:1"},
			},
		},
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidConfig() {
	require.NoError(s.T(), validConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_ValidGCPConfig() {
	cfg := validConfig()
	cfg.Match.Provider = ProviderGCP
	cfg.Providers.GCP = GCPConfig{Project: "my-project", Zone: "us-central1-a"}
	require.NoError(s.T(), cfg.Validate())
}

func (s *ConfigValidationSuite) TestValidate_ValidMongoConfig() {
	cfg := validConfig()
	cfg.Store.Type = "mongodb"
	cfg.Agents = AgentsConfig{Source: "mongodb"}
	cfg.Store.MongoDB.URI = "mongodb://localhost:27017"
	require.NoError(s.T(), cfg.Validate())
}

// ---------------------------------------------------------------------------
// Store and agents
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_UnsupportedStore() {
	cfg := validConfig()
	cfg.Store.Type = "redis"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "store.type")
}

func (s *ConfigValidationSuite) TestValidate_MongoStoreNeedsURI() {
	cfg := validConfig()
	cfg.Store.Type = "mongodb"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "store.mongodb.uri")
}

func (s *ConfigValidationSuite) TestValidate_MongoAgentsNeedURI() {
	cfg := validConfig()
	cfg.Agents.Source = "mongodb"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "store.mongodb.uri")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedAgentSource() {
	cfg := validConfig()
	cfg.Agents.Source = "ldap"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "agents.source")
}

func (s *ConfigValidationSuite) TestValidate_DuplicateAgent() {
	cfg := validConfig()
	cfg.Agents.Roster = append(cfg.Agents.Roster, agents.Agent{ID: "a", Image: "registry.local/a:2"})
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "agents.roster")
}

func (s *ConfigValidationSuite) TestValidate_AgentWithoutImage() {
	cfg := validConfig()
	cfg.Agents.Roster = append(cfg.Agents.Roster, agents.Agent{ID: "c"})
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "agents.roster")
}

// ---------------------------------------------------------------------------
// Registry and providers
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingRegistry() {
	cfg := validConfig()
	cfg.Registry.Host = "  "
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "registry.host")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedProvider() {
	cfg := validConfig()
	cfg.Build.Provider = "ec2"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "build.provider")
}

func (s *ConfigValidationSuite) TestValidate_GCPMissingProject() {
	cfg := validConfig()
	cfg.Match.Provider = ProviderGCP
	cfg.Providers.GCP.Zone = "us-central1-a"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "providers.gcp.project")
	assert.Contains(s.T(), err.Error(), "match.provider")
}

func (s *ConfigValidationSuite) TestValidate_GCPMissingZone() {
	cfg := validConfig()
	cfg.Build.Provider = ProviderGCP
	cfg.Providers.GCP.Project = "my-project"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "providers.gcp.zone")
}

// ---------------------------------------------------------------------------
// Match
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_MissingGameHostImage() {
	cfg := validConfig()
	cfg.Match.GameHostImage = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "match.game_host_image")
}

func (s *ConfigValidationSuite) TestValidate_SingleAgentMatch() {
	cfg := validConfig()
	cfg.Match.AgentsPerMatch = 1
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "match.agents_per_match")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedSelection() {
	cfg := validConfig()
	cfg.Match.Selection = "elo"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "match.selection")
}

func (s *ConfigValidationSuite) TestValidate_NegativeDurations() {
	cfg := validConfig()
	cfg.Match.Ceiling = -time.Minute
	assert.Error(s.T(), cfg.Validate())

	cfg = validConfig()
	cfg.Reaper.Retention = -time.Hour
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "reaper.retention")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedLogFormat() {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "logging.format")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, 9090, cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 1.0, cfg.OTel.SampleRatio)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, "arena", cfg.Store.MongoDB.Database)
	assert.Equal(t, 10*time.Second, cfg.Store.MongoDB.Timeout)
	assert.Equal(t, "default", cfg.Providers.Kubernetes.Namespace)
	assert.Equal(t, int32(3600), cfg.Providers.Kubernetes.TTLSecondsAfterFinished)
	assert.Equal(t, "e2-medium", cfg.Providers.GCP.MachineType)
	require.NotNil(t, cfg.Providers.GCP.PublicIP)
	assert.True(t, *cfg.Providers.GCP.PublicIP)

	assert.Equal(t, ProviderKubernetes, cfg.Build.Provider)
	assert.Equal(t, 5*time.Second, cfg.Build.Tick)
	assert.Equal(t, 3, cfg.Build.UnknownBudget)

	assert.Equal(t, ProviderKubernetes, cfg.Match.Provider)
	assert.Equal(t, 30*time.Minute, cfg.Match.Ceiling)
	assert.Equal(t, 10*time.Minute, cfg.Match.StartDeadline)
	assert.Equal(t, 2, cfg.Match.AgentsPerMatch)
	assert.Equal(t, "random", cfg.Match.Selection)
	assert.Equal(t, 50, cfg.Match.Game.TickRateMS)
	assert.Equal(t, 800, cfg.Match.Game.ArenaWidth)
	assert.Equal(t, 600, cfg.Match.Game.ArenaHeight)
	assert.Zero(t, cfg.Match.AutoInterval)

	assert.True(t, cfg.DeployEnabled())
	assert.Equal(t, int32(1), cfg.Deploy.Replicas)
	assert.Equal(t, "gameclient-", cfg.Deploy.NamePrefix)
	assert.Equal(t, "static", cfg.Agents.Source)
	assert.Equal(t, time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, time.Hour, cfg.Reaper.MaxAge)
	assert.Zero(t, cfg.Reaper.Retention)
}

func TestApplyDefaultsKeepsExplicitFalse(t *testing.T) {
	f := false
	cfg := &Config{
		Providers: ProvidersConfig{GCP: GCPConfig{PublicIP: &f}},
		Deploy:    DeployConfig{Enabled: &f},
	}
	cfg.ApplyDefaults()

	assert.False(t, *cfg.Providers.GCP.PublicIP)
	assert.False(t, cfg.DeployEnabled())
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadMissingFileIsEmpty(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Store.Type)
	assert.Empty(t, cfg.Agents.Roster)
}

func TestLoadParsesYAML(t *testing.T) {
	path := writeFile(t, `
server:
  listen: ":9000"
store:
  type: mongodb
  mongodb:
    uri: mongodb://localhost:27017
    timeout: 5s
registry:
  host: registry.local
providers:
  gcp:
    project: my-project
    zone: europe-west1-b
    public_ip: false
match:
  provider: docker
  ceiling: 45m
  selection: round_robin
  game_host_image: registry.local/game-host:1
  auto_interval: 2m
  game:
    tick_rate_ms: 20
agents:
  roster:
    - id: a
      image: registry.local/a:1
    - id: b
      image: registry.local/b:1
reaper:
  retention: 168h
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "mongodb", cfg.Store.Type)
	assert.Equal(t, 5*time.Second, cfg.Store.MongoDB.Timeout)
	assert.Equal(t, "europe-west1-b", cfg.Providers.GCP.Zone)
	require.NotNil(t, cfg.Providers.GCP.PublicIP)
	assert.False(t, *cfg.Providers.GCP.PublicIP)
	assert.Equal(t, ProviderDocker, cfg.Match.Provider)
	assert.Equal(t, 45*time.Minute, cfg.Match.Ceiling)
	assert.Equal(t, 2*time.Minute, cfg.Match.AutoInterval)
	assert.Equal(t, 20, cfg.Match.Game.TickRateMS)
	assert.Equal(t, []agents.Agent{
		{ID: "a", Image: "registry.local/a:1"},
		{ID: "b", Image: "registry.local/b:1"},
	}, cfg.Agents.Roster)
	assert.Equal(t, 168*time.Hour, cfg.Reaper.Retention)

	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeFile(t, "server: [unterminated"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("ARENA_MONGODB_URI", "mongodb://db:27017")
	t.Setenv("ARENA_REGISTRY_HOST", "registry.example.com/arena")
	t.Setenv("ARENA_KUBECONFIG", "/etc/arena/kubeconfig")
	t.Setenv("ARENA_LOG_LEVEL", "debug")

	cfg := &Config{Registry: RegistryConfig{Host: "from-file"}}
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, "mongodb://db:27017", cfg.Store.MongoDB.URI)
	assert.Equal(t, "registry.example.com/arena", cfg.Registry.Host)
	assert.Equal(t, "/etc/arena/kubeconfig", cfg.Providers.Kubernetes.Kubeconfig)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvKeepsFileValuesWhenUnset(t *testing.T) {
	cfg := &Config{Registry: RegistryConfig{Host: "from-file"}}
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, "from-file", cfg.Registry.Host)
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for level, want := range tests {
		t.Run(level, func(t *testing.T) {
			cfg := &Config{Logging: LoggingConfig{Level: level}}
			assert.Equal(t, want, cfg.slogLevel())
		})
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		cfg := &Config{Logging: LoggingConfig{Level: "warn", Format: format}}
		logger := cfg.NewLogger()
		require.NotNil(t, logger)
		assert.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
		assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
	}
}

func TestNewStoreMemory(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	st, err := cfg.NewStore(context.Background(), discard())
	require.NoError(t, err)
	assert.NotNil(t, st)
}

func TestNewAgentRepositoryStatic(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	repo, err := cfg.NewAgentRepository(context.Background(), discard())
	require.NoError(t, err)

	roster, err := repo.ListActiveAgents(context.Background())
	require.NoError(t, err)
	assert.Len(t, roster, 2)
}

func TestNewProviderKubernetesUsesSharedClient(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
	cfg.kubeClient = fake.NewSimpleClientset()

	p, err := cfg.NewProvider(context.Background(), ProviderKubernetes, discard())
	require.NoError(t, err)
	assert.Equal(t, "kubernetes", p.Name())

	backend, err := cfg.NewDeployBackend(discard())
	require.NoError(t, err)
	assert.NotNil(t, backend)
}

func TestNewProviderUnsupported(t *testing.T) {
	_, err := validConfig().NewProvider(context.Background(), "ec2", discard())
	assert.EqualError(t, err, "unsupported provider: ec2")
}

func TestCloseWithoutMongoIsNoop(t *testing.T) {
	assert.NoError(t, validConfig().Close(context.Background()))
}

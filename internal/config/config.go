// Package config handles loading, validating, and applying configuration
// for the arena orchestrator.  Configuration is read from a YAML file,
// then overridden by ARENA_* environment variables and finally by CLI
// flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.mongodb.org/mongo-driver/mongo"
	"gopkg.in/yaml.v3"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/terrpan/arena/internal/agents"
	"github.com/terrpan/arena/internal/deploy"
	"github.com/terrpan/arena/internal/gamehost"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/provider/docker"
	"github.com/terrpan/arena/internal/provider/gcp"
	"github.com/terrpan/arena/internal/provider/kube"
	"github.com/terrpan/arena/internal/store"
	"github.com/terrpan/arena/internal/store/memory"
	"github.com/terrpan/arena/internal/store/mongodb"
)

// Provider names accepted by build.provider and match.provider.
const (
	ProviderKubernetes = "kubernetes"
	ProviderGCP        = "gcp"
	ProviderDocker     = "docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	OTel      OTelConfig      `yaml:"otel"`
	Store     StoreConfig     `yaml:"store"`
	Registry  RegistryConfig  `yaml:"registry"`
	Providers ProvidersConfig `yaml:"providers"`
	Build     BuildConfig     `yaml:"build"`
	Match     MatchConfig     `yaml:"match"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Agents    AgentsConfig    `yaml:"agents"`
	Reaper    ReaperConfig    `yaml:"reaper"`

	// Connections shared by the factories.
	mongoDB    *mongo.Database
	kubeClient kubernetes.Interface
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig controls the RPC listener and the metrics endpoint.
type ServerConfig struct {
	// Listen is the address of the RPC server.  Default: ":8080".
	Listen string `yaml:"listen"`

	// MetricsPort serves /metrics for Prometheus.  Default: 9090.  A
	// negative value disables the endpoint.
	MetricsPort int `yaml:"metrics_port"`

	// ShutdownTimeout bounds graceful shutdown.  Default: 30s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled turns on OTLP push.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout.
	StdOut bool `yaml:"stdout"`

	// SampleRatio is the fraction of root spans kept.  Default: 1.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// StoreConfig selects where jobs are persisted.
type StoreConfig struct {
	// Type is "memory" or "mongodb".  Default: "memory".
	Type string `yaml:"type"`

	MongoDB MongoDBConfig `yaml:"mongodb"`
}

// MongoDBConfig holds the connection used by the mongodb job store and
// the mongodb agent roster.
type MongoDBConfig struct {
	// URI may also come from ARENA_MONGODB_URI.
	URI string `yaml:"uri"`

	// Database name.  Default: "arena".
	Database string `yaml:"database"`

	// Timeout bounds connecting and the initial ping.  Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// RegistryConfig names the container registry builds push to.
type RegistryConfig struct {
	// Host, e.g. "registry.example.com/arena".  May also come from
	// ARENA_REGISTRY_HOST.
	Host string `yaml:"host"`
}

// ---------------------------------------------------------------------------
// Providers
// ---------------------------------------------------------------------------

// ProvidersConfig holds the settings of every compute backend.  Only the
// backends named by build.provider and match.provider are created.
type ProvidersConfig struct {
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	GCP        GCPConfig        `yaml:"gcp"`
	Docker     DockerConfig     `yaml:"docker"`
}

// KubernetesConfig holds cluster-job provider settings.  It also supplies
// the cluster connection for deployments.
type KubernetesConfig struct {
	// Kubeconfig is the path to a kubeconfig file.  Empty uses the
	// in-cluster service account.  May also come from ARENA_KUBECONFIG.
	Kubeconfig string `yaml:"kubeconfig"`

	// Namespace receives build and match Jobs.  Default: "default".
	Namespace string `yaml:"namespace"`

	// ServiceAccount runs the pods (optional).
	ServiceAccount string `yaml:"service_account"`

	// TTLSecondsAfterFinished lets the cluster collect Jobs the
	// orchestrator failed to delete.  Default: 3600.
	TTLSecondsAfterFinished int32 `yaml:"ttl_seconds_after_finished"`
}

// GCPConfig holds VM provider settings.
//
// Authentication uses Application Default Credentials (ADC).
type GCPConfig struct {
	// Project is the GCP project ID (required when gcp is used).
	Project string `yaml:"project"`

	// Zone is the GCP zone for VMs (required when gcp is used).
	Zone string `yaml:"zone"`

	// MachineType is the Compute Engine machine type.  Default: "e2-medium".
	MachineType string `yaml:"machine_type"`

	// Image is the Container-Optimized OS boot image (optional).
	Image string `yaml:"image"`

	// DiskSizeGB is the boot disk size in GB.  Default: 20.
	DiskSizeGB int64 `yaml:"disk_size_gb"`

	// Network is the VPC network name.  Default: "default".
	Network string `yaml:"network"`

	// Subnet is the subnetwork (optional).
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether VMs get an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP *bool `yaml:"public_ip"`

	// ServiceAccount is the service account email attached to VMs
	// (optional).
	ServiceAccount string `yaml:"service_account"`
}

// DockerConfig holds local container provider settings.
type DockerConfig struct {
	// Network attaches containers to a user-defined network (optional).
	Network string `yaml:"network"`
}

// ---------------------------------------------------------------------------
// Workloads
// ---------------------------------------------------------------------------

// LimitsConfig caps a workload in Kubernetes quantity notation.
type LimitsConfig struct {
	CPU    string `yaml:"cpu"`
	Memory string `yaml:"memory"`
}

// Limits converts l for provider specs.
func (l LimitsConfig) Limits() provider.Limits {
	return provider.Limits{CPU: l.CPU, Memory: l.Memory}
}

// BuildConfig controls the build orchestrator and its driver.
type BuildConfig struct {
	// Provider runs build workloads.  Default: "kubernetes".
	Provider string `yaml:"provider"`

	// Tick is the driver interval.  Default: 5s.
	Tick time.Duration `yaml:"tick"`

	// BuilderImage is the image that builds and pushes.  Empty uses the
	// orchestrator's default.
	BuilderImage string `yaml:"builder_image"`

	// UnknownBudget is how many consecutive Unknown observations fail a
	// build.  Default: 3.
	UnknownBudget int `yaml:"unknown_budget"`

	// CleanupAttempts bounds destroy retries.  Default: 3.
	CleanupAttempts int `yaml:"cleanup_attempts"`

	// MaxConcurrent caps builds advanced at once.  Default: 8.
	MaxConcurrent int `yaml:"max_concurrent"`

	Limits LimitsConfig `yaml:"limits"`
}

// MatchConfig controls the match orchestrator, its driver, and the
// automatic scheduler.
type MatchConfig struct {
	// Provider runs game hosts and agents.  Default: "kubernetes".
	Provider string `yaml:"provider"`

	// Tick is the driver interval.  Default: 2s.
	Tick time.Duration `yaml:"tick"`

	// Ceiling fails a match that has not finished in time.  Default: 30m.
	Ceiling time.Duration `yaml:"ceiling"`

	// StartDeadline fails a match whose resources are not all running
	// in time.  Default: 10m.
	StartDeadline time.Duration `yaml:"start_deadline"`

	// AgentsPerMatch is drawn from the roster.  Default: 2.
	AgentsPerMatch int `yaml:"agents_per_match"`

	// Selection is "random" or "round_robin".  Default: "random".
	Selection string `yaml:"selection"`

	// GameHostImage runs the game host (required).
	GameHostImage string `yaml:"game_host_image"`

	// GameHostPort is the game host's control port.  Default: 8080.
	GameHostPort int `yaml:"game_host_port"`

	// AgentPort is the agent's RPC port.  Default: 50051.
	AgentPort int `yaml:"agent_port"`

	// GameHostTimeout bounds each call to a game host.  Default: 5s.
	GameHostTimeout time.Duration `yaml:"game_host_timeout"`

	Game gamehost.Config `yaml:"game"`

	// AutoInterval submits a match on this interval when nothing is in
	// flight.  Zero disables automatic matches.
	AutoInterval time.Duration `yaml:"auto_interval"`

	// UnknownBudget is how many consecutive Unknown or unreachable
	// observations fail a match.  Default: 3.
	UnknownBudget int `yaml:"unknown_budget"`

	// CleanupAttempts bounds destroy retries.  Default: 3.
	CleanupAttempts int `yaml:"cleanup_attempts"`

	// MaxConcurrent caps matches advanced at once.  Default: 8.
	MaxConcurrent int `yaml:"max_concurrent"`

	GameHostLimits LimitsConfig `yaml:"game_host_limits"`
	AgentLimits    LimitsConfig `yaml:"agent_limits"`
}

// DeployConfig controls where built game clients are applied.
type DeployConfig struct {
	// Enabled serves the Deploy RPC.  Default: true.  It needs a cluster
	// connection from providers.kubernetes.
	Enabled *bool `yaml:"enabled"`

	// Namespace receives the Deployments.  Default: "default".
	Namespace string `yaml:"namespace"`

	// Replicas per Deployment.  Default: 1.
	Replicas int32 `yaml:"replicas"`

	// NamePrefix is prepended to the build name.  Default: "gameclient-".
	NamePrefix string `yaml:"name_prefix"`

	// Env is injected into every deployed container.
	Env map[string]string `yaml:"env"`
}

// AgentsConfig selects where the agent roster comes from.
type AgentsConfig struct {
	// Source is "static" or "mongodb".  Default: "static".
	Source string `yaml:"source"`

	// Roster lists the agents when Source is "static".
	Roster []agents.Agent `yaml:"roster"`
}

// ReaperConfig controls the background sweep for leaked resources.
type ReaperConfig struct {
	// Interval between passes.  Default: 1m.
	Interval time.Duration `yaml:"interval"`

	// MaxAge is how old an unowned resource must be before it is
	// destroyed.  Default: 1h.
	MaxAge time.Duration `yaml:"max_age"`

	// Retention deletes finished jobs older than this.  Zero keeps them.
	Retention time.Duration `yaml:"retention"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// envOverrides are the settings read from ARENA_* variables.
type envOverrides struct {
	MongoDBURI   string `envconfig:"MONGODB_URI"`
	RegistryHost string `envconfig:"REGISTRY_HOST"`
	Kubeconfig   string `envconfig:"KUBECONFIG"`
	LogLevel     string `envconfig:"LOG_LEVEL"`
}

// ApplyEnv merges non-empty ARENA_* environment variables into c.
func (c *Config) ApplyEnv() error {
	var env envOverrides
	if err := envconfig.Process("arena", &env); err != nil {
		return fmt.Errorf("reading environment: %w", err)
	}
	if env.MongoDBURI != "" {
		c.Store.MongoDB.URI = env.MongoDBURI
	}
	if env.RegistryHost != "" {
		c.Registry.Host = env.RegistryHost
	}
	if env.Kubeconfig != "" {
		c.Providers.Kubernetes.Kubeconfig = env.Kubeconfig
	}
	if env.LogLevel != "" {
		c.Logging.Level = env.LogLevel
	}
	return nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.SampleRatio == 0 {
		c.OTel.SampleRatio = 1
	}

	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Store.MongoDB.Database == "" {
		c.Store.MongoDB.Database = "arena"
	}
	if c.Store.MongoDB.Timeout == 0 {
		c.Store.MongoDB.Timeout = 10 * time.Second
	}

	if c.Providers.Kubernetes.Namespace == "" {
		c.Providers.Kubernetes.Namespace = "default"
	}
	if c.Providers.Kubernetes.TTLSecondsAfterFinished == 0 {
		c.Providers.Kubernetes.TTLSecondsAfterFinished = 3600
	}
	if c.Providers.GCP.MachineType == "" {
		c.Providers.GCP.MachineType = "e2-medium"
	}
	if c.Providers.GCP.DiskSizeGB == 0 {
		c.Providers.GCP.DiskSizeGB = 20
	}
	if c.Providers.GCP.PublicIP == nil {
		t := true
		c.Providers.GCP.PublicIP = &t
	}

	if c.Build.Provider == "" {
		c.Build.Provider = ProviderKubernetes
	}
	if c.Build.Tick == 0 {
		c.Build.Tick = 5 * time.Second
	}
	if c.Build.UnknownBudget == 0 {
		c.Build.UnknownBudget = 3
	}
	if c.Build.CleanupAttempts == 0 {
		c.Build.CleanupAttempts = 3
	}
	if c.Build.MaxConcurrent == 0 {
		c.Build.MaxConcurrent = 8
	}

	if c.Match.Provider == "" {
		c.Match.Provider = ProviderKubernetes
	}
	if c.Match.Tick == 0 {
		c.Match.Tick = 2 * time.Second
	}
	if c.Match.Ceiling == 0 {
		c.Match.Ceiling = 30 * time.Minute
	}
	if c.Match.StartDeadline == 0 {
		c.Match.StartDeadline = 10 * time.Minute
	}
	if c.Match.AgentsPerMatch == 0 {
		c.Match.AgentsPerMatch = 2
	}
	if c.Match.Selection == "" {
		c.Match.Selection = "random"
	}
	if c.Match.GameHostPort == 0 {
		c.Match.GameHostPort = 8080
	}
	if c.Match.AgentPort == 0 {
		c.Match.AgentPort = 50051
	}
	if c.Match.GameHostTimeout == 0 {
		c.Match.GameHostTimeout = 5 * time.Second
	}
	if c.Match.Game.TickRateMS == 0 {
		c.Match.Game.TickRateMS = 50
	}
	if c.Match.Game.ArenaWidth == 0 {
		c.Match.Game.ArenaWidth = 800
	}
	if c.Match.Game.ArenaHeight == 0 {
		c.Match.Game.ArenaHeight = 600
	}
	if c.Match.UnknownBudget == 0 {
		c.Match.UnknownBudget = 3
	}
	if c.Match.CleanupAttempts == 0 {
		c.Match.CleanupAttempts = 3
	}
	if c.Match.MaxConcurrent == 0 {
		c.Match.MaxConcurrent = 8
	}

	if c.Deploy.Enabled == nil {
		t := true
		c.Deploy.Enabled = &t
	}
	if c.Deploy.Namespace == "" {
		c.Deploy.Namespace = "default"
	}
	if c.Deploy.Replicas == 0 {
		c.Deploy.Replicas = 1
	}
	if c.Deploy.NamePrefix == "" {
		c.Deploy.NamePrefix = "gameclient-"
	}

	if c.Agents.Source == "" {
		c.Agents.Source = "static"
	}

	if c.Reaper.Interval == 0 {
		c.Reaper.Interval = time.Minute
	}
	if c.Reaper.MaxAge == 0 {
		c.Reaper.MaxAge = time.Hour
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.Store.Type {
	case "memory", "mongodb":
	default:
		return fmt.Errorf("store.type %q is not supported (supported: memory, mongodb)", c.Store.Type)
	}

	switch c.Agents.Source {
	case "static":
		if _, err := agents.NewStatic(c.Agents.Roster); err != nil {
			return fmt.Errorf("agents.roster: %w", err)
		}
	case "mongodb":
	default:
		return fmt.Errorf("agents.source %q is not supported (supported: static, mongodb)", c.Agents.Source)
	}

	if c.usesMongo() && c.Store.MongoDB.URI == "" {
		return fmt.Errorf("store.mongodb.uri (or ARENA_MONGODB_URI) is required when mongodb is used")
	}

	if strings.TrimSpace(c.Registry.Host) == "" {
		return fmt.Errorf("registry.host (or ARENA_REGISTRY_HOST) is required")
	}

	if err := c.validateProvider("build.provider", c.Build.Provider); err != nil {
		return err
	}
	if err := c.validateProvider("match.provider", c.Match.Provider); err != nil {
		return err
	}

	if c.Match.GameHostImage == "" {
		return fmt.Errorf("match.game_host_image is required")
	}
	if c.Match.AgentsPerMatch < 2 {
		return fmt.Errorf("match.agents_per_match must be at least 2, got %d", c.Match.AgentsPerMatch)
	}
	switch c.Match.Selection {
	case "random", "round_robin":
	default:
		return fmt.Errorf("match.selection %q is not supported (supported: random, round_robin)", c.Match.Selection)
	}
	if c.Match.Ceiling < 0 || c.Match.StartDeadline < 0 || c.Match.AutoInterval < 0 {
		return fmt.Errorf("match durations must not be negative")
	}
	if c.Build.Tick < 0 || c.Match.Tick < 0 {
		return fmt.Errorf("build.tick and match.tick must be positive")
	}

	if c.Reaper.Retention < 0 {
		return fmt.Errorf("reaper.retention must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateProvider(field, name string) error {
	switch name {
	case ProviderKubernetes, ProviderDocker:
		return nil
	case ProviderGCP:
		if c.Providers.GCP.Project == "" {
			return fmt.Errorf("providers.gcp.project is required when %s is \"gcp\"", field)
		}
		if c.Providers.GCP.Zone == "" {
			return fmt.Errorf("providers.gcp.zone is required when %s is \"gcp\"", field)
		}
		return nil
	}
	return fmt.Errorf("%s %q is not supported (supported: kubernetes, gcp, docker)", field, name)
}

func (c *Config) usesMongo() bool {
	return c.Store.Type == "mongodb" || c.Agents.Source == "mongodb"
}

// DeployEnabled reports whether the Deploy RPC is served.
func (c *Config) DeployEnabled() bool {
	return c.Deploy.Enabled == nil || *c.Deploy.Enabled
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewProvider creates the compute backend called name.
func (c *Config) NewProvider(ctx context.Context, name string, logger *slog.Logger) (provider.Provider, error) {
	switch name {
	case ProviderKubernetes:
		client, err := c.KubeClient()
		if err != nil {
			return nil, err
		}
		k := c.Providers.Kubernetes
		return kube.New(client, kube.Config{
			Namespace:               k.Namespace,
			ServiceAccount:          k.ServiceAccount,
			TTLSecondsAfterFinished: k.TTLSecondsAfterFinished,
		}, logger.WithGroup("provider.kube")), nil
	case ProviderGCP:
		g := c.Providers.GCP
		publicIP := g.PublicIP == nil || *g.PublicIP
		return gcp.New(ctx, gcp.Config{
			Project:        g.Project,
			Zone:           g.Zone,
			MachineType:    g.MachineType,
			Image:          g.Image,
			DiskSizeGB:     g.DiskSizeGB,
			Network:        g.Network,
			Subnet:         g.Subnet,
			PublicIP:       publicIP,
			ServiceAccount: g.ServiceAccount,
		}, logger.WithGroup("provider.gcp"))
	case ProviderDocker:
		return docker.New(docker.Config{
			Network: c.Providers.Docker.Network,
		}, logger.WithGroup("provider.docker"))
	default:
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
}

// KubeClient returns the cluster connection, built once from the
// kubeconfig path or the in-cluster service account.
func (c *Config) KubeClient() (kubernetes.Interface, error) {
	if c.kubeClient != nil {
		return c.kubeClient, nil
	}

	var (
		restConfig *rest.Config
		err        error
	)
	if path := c.Providers.Kubernetes.Kubeconfig; path != "" {
		restConfig, err = clientcmd.BuildConfigFromFlags("", path)
	} else {
		restConfig, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("loading kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	c.kubeClient = client
	return client, nil
}

// MongoDatabase connects to MongoDB once and returns the configured
// database.
func (c *Config) MongoDatabase(ctx context.Context) (*mongo.Database, error) {
	if c.mongoDB != nil {
		return c.mongoDB, nil
	}
	m := c.Store.MongoDB
	db, err := mongodb.Connect(ctx, m.URI, m.Database, m.Timeout)
	if err != nil {
		return nil, err
	}
	c.mongoDB = db
	return db, nil
}

// NewStore creates the job store selected by store.type.
func (c *Config) NewStore(ctx context.Context, logger *slog.Logger) (store.Store, error) {
	switch c.Store.Type {
	case "memory":
		logger.Warn("using in-memory job store; jobs and owned resources are forgotten on restart")
		return memory.New(nil), nil
	case "mongodb":
		db, err := c.MongoDatabase(ctx)
		if err != nil {
			return nil, err
		}
		return mongodb.New(ctx, db, nil)
	default:
		return nil, fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}
}

// NewAgentRepository creates the roster selected by agents.source.
func (c *Config) NewAgentRepository(ctx context.Context, logger *slog.Logger) (agents.Repository, error) {
	switch c.Agents.Source {
	case "static":
		logger.Info("using static agent roster", slog.Int("agents", len(c.Agents.Roster)))
		return agents.NewStatic(c.Agents.Roster)
	case "mongodb":
		db, err := c.MongoDatabase(ctx)
		if err != nil {
			return nil, err
		}
		return agents.NewMongo(ctx, db)
	default:
		return nil, fmt.Errorf("unsupported agent source: %s", c.Agents.Source)
	}
}

// NewDeployBackend creates the Kubernetes backend for the Deploy RPC.
func (c *Config) NewDeployBackend(logger *slog.Logger) (deploy.Backend, error) {
	client, err := c.KubeClient()
	if err != nil {
		return nil, err
	}
	return deploy.NewKubeBackend(client, deploy.KubeConfig{
		Namespace:  c.Deploy.Namespace,
		NamePrefix: c.Deploy.NamePrefix,
		Env:        c.Deploy.Env,
	}, logger.WithGroup("deploy.kube"))
}

// Close disconnects the MongoDB client if a factory opened one.
func (c *Config) Close(ctx context.Context) error {
	if c.mongoDB == nil {
		return nil
	}
	err := c.mongoDB.Client().Disconnect(ctx)
	c.mongoDB = nil
	return err
}

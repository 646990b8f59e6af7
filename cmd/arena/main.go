package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/terrpan/arena/internal/api"
	"github.com/terrpan/arena/internal/build"
	"github.com/terrpan/arena/internal/buildinfo"
	"github.com/terrpan/arena/internal/cleanup"
	"github.com/terrpan/arena/internal/config"
	"github.com/terrpan/arena/internal/deploy"
	"github.com/terrpan/arena/internal/driver"
	"github.com/terrpan/arena/internal/gamehost"
	"github.com/terrpan/arena/internal/health"
	"github.com/terrpan/arena/internal/job"
	"github.com/terrpan/arena/internal/match"
	arenaotel "github.com/terrpan/arena/internal/otel"
	"github.com/terrpan/arena/internal/provider"
	"github.com/terrpan/arena/internal/reaper"
	"github.com/terrpan/arena/internal/store/mongodb"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arena",
	Short: "Ephemeral-resource orchestrator for agent builds and matches",
	Long: `arena builds agent images, deploys game clients, and runs matches
between agents on short-lived compute (Kubernetes Jobs, GCP VMs, or local
Docker containers).  Every resource it creates is destroyed when the build
or match that owns it finishes.

Configuration is read from a YAML file (--config), then ARENA_* environment
variables, then CLI flags.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RPC server and the control loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)

	f := serveCmd.Flags()
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "RPC listen address (e.g. :8080)")
	f.StringVar(&flagOverrides.Store.Type, "store", "", "Job store (memory, mongodb)")
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Store.Type != "" {
		cfg.Store.Type = flagOverrides.Store.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger and telemetry
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("store", cfg.Store.Type),
		slog.String("buildProvider", cfg.Build.Provider),
		slog.String("matchProvider", cfg.Match.Provider),
	)

	otelShutdown, err := arenaotel.SetupOTelSDK(ctx, "arena", arenaotel.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		Insecure:    cfg.OTel.Insecure,
		StdOut:      cfg.OTel.StdOut,
		Prometheus:  cfg.Server.MetricsPort > 0,
		SampleRatio: cfg.OTel.SampleRatio,
		Provider:    cfg.Match.Provider,
	})
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to flush telemetry", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 3. Store, roster, and providers
	// ---------------------------------------------------------------
	st, err := cfg.NewStore(ctx, logger.WithGroup("store"))
	if err != nil {
		return fmt.Errorf("creating job store: %w", err)
	}
	defer func() {
		if err := cfg.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to disconnect from mongodb", slog.String("error", err.Error()))
		}
	}()

	roster, err := cfg.NewAgentRepository(ctx, logger.WithGroup("agents"))
	if err != nil {
		return fmt.Errorf("creating agent roster: %w", err)
	}

	providers := map[string]provider.Provider{}
	providerFor := func(name string) (provider.Provider, error) {
		if p, ok := providers[name]; ok {
			return p, nil
		}
		p, err := cfg.NewProvider(ctx, name, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing %s provider: %w", name, err)
		}
		providers[name] = p
		return p, nil
	}
	buildProvider, err := providerFor(cfg.Build.Provider)
	if err != nil {
		return err
	}
	matchProvider, err := providerFor(cfg.Match.Provider)
	if err != nil {
		return err
	}

	// ---------------------------------------------------------------
	// 4. Orchestrators
	// ---------------------------------------------------------------
	realClock := clock.RealClock{}

	builds := build.New(build.Config{
		Store:    st,
		Provider: buildProvider,
		Cleanup: cleanup.New(cleanup.Config{
			Store:    st,
			Logger:   logger.WithGroup("cleanup.build"),
			Attempts: cfg.Build.CleanupAttempts,
		}),
		Logger:        logger.WithGroup("build"),
		RegistryHost:  cfg.Registry.Host,
		BuilderImage:  cfg.Build.BuilderImage,
		Limits:        cfg.Build.Limits.Limits(),
		UnknownBudget: cfg.Build.UnknownBudget,
	})

	selector, err := match.NewSelector(cfg.Match.Selection)
	if err != nil {
		return err
	}
	matchCleanup := cleanup.New(cleanup.Config{
		Store:    st,
		Logger:   logger.WithGroup("cleanup.match"),
		Attempts: cfg.Match.CleanupAttempts,
	})
	matches := match.New(match.Config{
		Store:          st,
		Provider:       matchProvider,
		Agents:         roster,
		GameHost:       gamehost.NewHTTPClient(cfg.Match.GameHostTimeout),
		Cleanup:        matchCleanup,
		Selector:       selector,
		Clock:          realClock,
		Logger:         logger.WithGroup("match"),
		AgentsPerMatch: cfg.Match.AgentsPerMatch,
		GameHostImage:  cfg.Match.GameHostImage,
		GameHostPort:   cfg.Match.GameHostPort,
		GameHostLimits: cfg.Match.GameHostLimits.Limits(),
		AgentPort:      cfg.Match.AgentPort,
		AgentLimits:    cfg.Match.AgentLimits.Limits(),
		Game:           cfg.Match.Game,
		Ceiling:        cfg.Match.Ceiling,
		StartDeadline:  cfg.Match.StartDeadline,
		UnknownBudget:  cfg.Match.UnknownBudget,
	})

	apiCfg := api.Config{
		Builds:  builds,
		Matches: matches,
		Logger:  logger.WithGroup("api"),
	}
	if cfg.DeployEnabled() {
		backend, err := cfg.NewDeployBackend(logger)
		if err != nil {
			return fmt.Errorf("creating deploy backend: %w", err)
		}
		apiCfg.Deployer = deploy.New(deploy.Config{
			Store:    st,
			Backend:  backend,
			Logger:   logger.WithGroup("deploy"),
			Replicas: cfg.Deploy.Replicas,
		})
	}

	// ---------------------------------------------------------------
	// 5. Control loops
	// ---------------------------------------------------------------
	buildDriver, err := driver.New(driver.Config{
		Name:          "build",
		Interval:      cfg.Build.Tick,
		Clock:         realClock,
		Store:         st,
		Kind:          job.KindBuild,
		Advancer:      builds,
		Logger:        logger.WithGroup("driver.build"),
		MaxConcurrent: cfg.Build.MaxConcurrent,
	})
	if err != nil {
		return err
	}
	matchDriver, err := driver.New(driver.Config{
		Name:          "match",
		Interval:      cfg.Match.Tick,
		Clock:         realClock,
		Store:         st,
		Kind:          job.KindMatch,
		Advancer:      matches,
		Logger:        logger.WithGroup("driver.match"),
		MaxConcurrent: cfg.Match.MaxConcurrent,
	})
	if err != nil {
		return err
	}

	sweeper := reaper.New(reaper.Config{
		Store:   st,
		Cleanup: matchCleanup,
		Providers: map[job.Kind]provider.Provider{
			job.KindBuild: buildProvider,
			job.KindMatch: matchProvider,
		},
		Clock:           realClock,
		Logger:          logger.WithGroup("reaper"),
		Interval:        cfg.Reaper.Interval,
		MaxAge:          cfg.Reaper.MaxAge,
		Retention:       cfg.Reaper.Retention,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	// ---------------------------------------------------------------
	// 6. HTTP servers
	// ---------------------------------------------------------------
	var checks []health.Check
	if ms, ok := st.(*mongodb.Store); ok {
		checks = append(checks, health.Check{Name: "store", Ping: ms.Ping})
	}
	apiCfg.Health = health.Handler(matchProvider.Name(), checks...)

	apiServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           api.New(apiCfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{apiServer}
	if cfg.Server.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	// ---------------------------------------------------------------
	// 7. Run
	// ---------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return buildDriver.Run(gctx) })
	g.Go(func() error { return matchDriver.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if cfg.Match.AutoInterval > 0 {
		scheduler := match.NewAutoScheduler(matches, cfg.Match.AutoInterval, realClock, logger.WithGroup("scheduler"))
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

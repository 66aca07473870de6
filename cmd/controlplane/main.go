// Command controlplane assembles and runs the fleet control plane: the
// Session Coordinator, Fleet Manager, Update Pipeline, and Realtime Hub,
// each exposed on its own HTTP surface (spec §6).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-network/fleetctl/internal/adapters"
	"github.com/r3e-network/fleetctl/internal/config"
	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
	"github.com/r3e-network/fleetctl/internal/httpapi/clientapi"
	"github.com/r3e-network/fleetctl/internal/httpapi/operatorapi"
	"github.com/r3e-network/fleetctl/internal/httpapi/runnerapi"
	"github.com/r3e-network/fleetctl/internal/logging"
	"github.com/r3e-network/fleetctl/internal/metrics"
	"github.com/r3e-network/fleetctl/internal/persistence"
	"github.com/r3e-network/fleetctl/internal/realtimehub"
	"github.com/r3e-network/fleetctl/internal/sessioncoordinator"
	"github.com/r3e-network/fleetctl/internal/updatepipeline"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/canary"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/registry"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/rollout"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/sweep"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/versionwatcher"
)

// defaultUpstreamSources seeds the version watcher with one polling source
// per supported provider (spec §3 ProviderID). A production deployment
// would load these from an operator-maintained directory; none exists in
// scope, so they're fixed here the way spec §3's provider list is fixed.
func defaultUpstreamSources(backendURL string) []domain.UpstreamSource {
	return []domain.UpstreamSource{
		{ProviderID: domain.ProviderCodex, Type: domain.SourceNPM, URL: backendURL + "/upstream/codex", CheckIntervalMs: 3_600_000},
		{ProviderID: domain.ProviderClaudeCode, Type: domain.SourceNPM, URL: backendURL + "/upstream/claude-code", CheckIntervalMs: 3_600_000},
		{ProviderID: domain.ProviderGeminiCLI, Type: domain.SourceGitHubReleases, URL: backendURL + "/upstream/gemini-cli", CheckIntervalMs: 3_600_000},
		{ProviderID: domain.ProviderOmnara, Type: domain.SourceCustom, URL: backendURL + "/upstream/omnara", CheckIntervalMs: 3_600_000},
	}
}

func openBackend(cfg config.Config, log *logging.Logger) persistence.Backend {
	switch cfg.PersistenceBackend {
	case "postgres":
		backend, err := persistence.OpenPostgres(context.Background(), cfg.PostgresDSN, "snapshots")
		if err != nil {
			log.WithContext(context.Background()).WithError(err).Fatal("failed to open postgres backend")
		}
		return backend
	case "redis":
		return persistence.OpenRedis(cfg.RedisAddr, "", 0, "fleetctl:")
	default:
		return persistence.NewMemoryBackend()
	}
}

func main() {
	cfg := config.Load()
	log := logging.New("controlplane", cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if chCfgs, err := config.LoadChannelConfigs(cfg.ChannelConfigPath); err != nil {
		log.WithContext(ctx).WithError(err).Fatal("failed to load channel config")
	} else {
		domain.ChannelConfigs = chCfgs
	}
	defaultSuites, err := config.LoadCanarySuites(cfg.CanarySuitesPath)
	if err != nil {
		log.WithContext(ctx).WithError(err).Fatal("failed to load canary suites")
	}

	bus := events.NewBus()
	met := metrics.New()

	backend := openBackend(cfg, log)

	fleet := fleetmanager.New(fleetmanager.Config{
		HeartbeatTimeout:    config.Millis(cfg.Runner.HeartbeatTimeoutMs),
		HealthCheckInterval: config.Millis(cfg.Runner.HealthCheckIntervalMs),
		MaxRunners:          cfg.Runner.MaxRunners,
		LoadFactor:          cfg.Runner.LoadFactor,
	}, bus, log.Named("fleet_manager"))

	coordinator := sessioncoordinator.New(sessioncoordinator.Config{
		MaxSessionsPerOrg:  cfg.Session.MaxSessionsPerOrg,
		DefaultTimeout:     time.Duration(cfg.Session.DefaultTimeoutMinutes) * time.Minute,
		SessionDataTTL:     time.Duration(cfg.Session.SessionDataTTLHours) * time.Hour,
		PlacementRetries:   3,
		RunnerOfflineGrace: 2 * time.Minute,
	}, fleet, bus, log.Named("session_coordinator"))

	liveness := fleetmanager.NewLivenessChecker(fleet)
	retention := sessioncoordinator.NewRetentionSweeper(coordinator, time.Hour)
	failover := sessioncoordinator.NewOfflineFailover(coordinator, 2*time.Minute)
	bus.Subscribe(failover)

	fetcher := adapters.NewVersionFetcher(config.Millis(cfg.UpdatePipeline.VersionWatcher.HTTPTimeoutMs))
	watcher := versionwatcher.New(versionwatcher.Config{
		DefaultCheckInterval: config.Millis(cfg.UpdatePipeline.VersionWatcher.DefaultCheckIntervalMs),
		HTTPTimeout:          config.Millis(cfg.UpdatePipeline.VersionWatcher.HTTPTimeoutMs),
	}, fetcher, bus, log.Named("version_watcher"))

	for _, source := range defaultUpstreamSources(cfg.ExecutionBackendURL) {
		if _, err := watcher.Watch(source); err != nil {
			log.WithContext(ctx).WithError(err).WithField("provider_id", source.ProviderID).Warn("failed to schedule version watch")
		}
	}

	caseExecutor := adapters.NewCaseExecutor(cfg.ExecutionBackendURL, config.Millis(cfg.UpdatePipeline.Canary.DefaultTimeoutMs))
	canaryRunner := canary.New(canary.Config{
		MaxConcurrency:    cfg.UpdatePipeline.Canary.MaxConcurrency,
		DefaultTimeout:    config.Millis(cfg.UpdatePipeline.Canary.DefaultTimeoutMs),
		RetryCount:        cfg.UpdatePipeline.Canary.RetryCount,
		ContinueOnFailure: cfg.UpdatePipeline.Canary.ContinueOnFailure,
	}, caseExecutor, 5)

	reg := registry.New(ctx, registry.Config{
		MaxVersionsPerProvider: cfg.UpdatePipeline.Registry.MaxVersionsPerProvider,
		MaxBuilds:              cfg.UpdatePipeline.Registry.MaxBuilds,
		AutoDeprecateDays:      cfg.UpdatePipeline.Registry.AutoDeprecateDays,
	})

	metricsSource := adapters.NewSessionMetricsSource(coordinator)
	orgSource := adapters.NewStaticOrgSource(nil)
	rolloutCtl := rollout.New(ctx, rollout.Config{
		MaxConcurrentRollouts: cfg.UpdatePipeline.Rollout.MaxConcurrentRollouts,
		CheckInterval:         config.Millis(cfg.UpdatePipeline.Rollout.CheckIntervalMs),
		AutoProgress:          cfg.UpdatePipeline.Rollout.AutoProgress,
		RollbackThresholds: rollout.RollbackThresholds{
			MaxFailureRate:    cfg.UpdatePipeline.Rollout.RollbackThresholds.MaxFailureRate,
			MaxDisconnectRate: cfg.UpdatePipeline.Rollout.RollbackThresholds.MaxDisconnectRate,
			MinSessionCount:   cfg.UpdatePipeline.Rollout.RollbackThresholds.MinSessionCount,
		},
	}, metricsSource, orgSource, bus, log.Named("rollout"))
	progression := rollout.NewProgressionTicker(rolloutCtl, config.Millis(cfg.UpdatePipeline.Rollout.CheckIntervalMs))

	repoSweeper := adapters.NewRepoSweeper(cfg.ExecutionBackendURL, 5*time.Minute)
	sweepMgr := sweep.New(sweep.Config{
		MaxConcurrentSweeps:   cfg.UpdatePipeline.Sweep.MaxConcurrentSweeps,
		DefaultRateLimit:      cfg.UpdatePipeline.Sweep.DefaultRateLimit,
		DefaultMaxReposPerRun: cfg.UpdatePipeline.Sweep.DefaultMaxReposPerRun,
		Enabled:               cfg.UpdatePipeline.Sweep.Enabled,
	}, repoSweeper, bus, log.Named("sweep"))

	pipeline := updatepipeline.New(updatepipeline.AutomationSwitches{
		AutoCanary:  cfg.UpdatePipeline.AutoCanary,
		AutoRollout: cfg.UpdatePipeline.AutoRollout,
		AutoSweep:   cfg.UpdatePipeline.AutoSweep,
	}, watcher, canaryRunner, reg, rolloutCtl, sweepMgr, bus, log.Named("pipeline"))
	pipeline.DefaultSuites = defaultSuites

	// No identity provider exists in this spec's scope (open question,
	// see DESIGN.md); the hub trusts the client's claimed userID once a
	// non-empty token is presented, the same trust boundary the client API
	// itself assumes for its callers.
	auth := realtimehub.AuthenticatorFunc(func(_ context.Context, token, claimedUserID string) (string, bool) {
		if token == "" || claimedUserID == "" {
			return "", false
		}
		return claimedUserID, true
	})
	hub := realtimehub.New(realtimehub.Config{
		PingInterval:          config.Millis(cfg.Realtime.PingIntervalMs),
		ConnectionTimeout:     config.Millis(cfg.Realtime.ConnectionTimeoutMs),
		MaxMessageSize:        cfg.Realtime.MaxMessageSize,
		MaxConnectionsPerUser: cfg.Realtime.MaxConnectionsPerUser,
	}, auth, bus, log.Named("realtime_hub"))
	bus.Subscribe(hub)

	snapshotter := persistence.NewSnapshotter(backend, "fleet_state", 5*time.Minute, func() any {
		total, inUse := fleet.Capacity(context.Background())
		return map[string]any{
			"total_capacity":  total,
			"capacity_in_use": inUse,
		}
	})
	go snapshotter.Run(ctx)

	services := []core.Service{liveness, retention, watcher, progression}

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			log.WithContext(ctx).WithError(err).WithField("service", svc.Name()).Fatal("failed to start service")
		}
	}
	if err := hub.Start(ctx); err != nil {
		log.WithContext(ctx).WithError(err).Fatal("failed to start realtime hub")
	}

	clientMux := http.NewServeMux()
	clientMux.Handle("/", met.Instrument("client", clientapi.New(coordinator, fleet, pipeline, hub)))
	clientMux.Handle("/metrics", met.Handler())
	clientSrv := &http.Server{Addr: cfg.ClientAPIAddr, Handler: clientMux}

	runnerMux := http.NewServeMux()
	runnerMux.Handle("/", met.Instrument("runner", runnerapi.New(fleet, coordinator, bus)))
	runnerSrv := &http.Server{Addr: cfg.RunnerAPIAddr, Handler: runnerMux}

	operatorMux := http.NewServeMux()
	operatorMux.Handle("/", met.Instrument("operator", operatorapi.New(pipeline)))
	operatorSrv := &http.Server{Addr: cfg.OperatorAPIAddr, Handler: operatorMux}

	for _, srv := range []*http.Server{clientSrv, runnerSrv, operatorSrv} {
		srv := srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithContext(ctx).WithError(err).WithField("addr", srv.Addr).Error("http server exited")
			}
		}()
	}
	log.WithContext(ctx).WithField("client_addr", cfg.ClientAPIAddr).
		WithField("runner_addr", cfg.RunnerAPIAddr).
		WithField("operator_addr", cfg.OperatorAPIAddr).
		Info("control plane started")

	<-ctx.Done()
	log.WithContext(context.Background()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range []*http.Server{clientSrv, runnerSrv, operatorSrv} {
		_ = srv.Shutdown(shutdownCtx)
	}
	_ = hub.Stop(shutdownCtx)
	for i := len(services) - 1; i >= 0; i-- {
		_ = services[i].Stop(shutdownCtx)
	}
	reg.Stop()
	rolloutCtl.Stop()
	_ = backend.Close(shutdownCtx)
}

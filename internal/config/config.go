// Package config loads the control plane's tunables from the environment,
// grouped by the owning component the way spec §6 enumerates them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// SessionConfig governs the Session Coordinator.
type SessionConfig struct {
	MaxSessionsPerOrg     int
	DefaultTimeoutMinutes int
	SessionDataTTLHours   int
}

// RunnerConfig governs the Fleet Manager.
type RunnerConfig struct {
	HeartbeatTimeoutMs   int64
	HealthCheckIntervalMs int64
	MaxRunners           int
	LoadFactor           float64
}

// VersionWatcherConfig governs the Update Pipeline's version watcher.
type VersionWatcherConfig struct {
	DefaultCheckIntervalMs int64
	HTTPTimeoutMs          int64
}

// CanaryConfig governs the canary runner.
type CanaryConfig struct {
	MaxConcurrency    int
	DefaultTimeoutMs  int64
	RetryCount        int
	ContinueOnFailure bool
}

// RegistryConfig governs the known-good registry.
type RegistryConfig struct {
	MaxVersionsPerProvider int
	MaxBuilds              int
	AutoDeprecateDays      int
}

// RollbackThresholds gate automatic rollback.
type RollbackThresholds struct {
	MaxFailureRate   float64
	MaxDisconnectRate float64
	MinSessionCount  int
}

// RolloutConfig governs the rollout controller.
type RolloutConfig struct {
	MaxConcurrentRollouts int
	CheckIntervalMs       int64
	AutoProgress          bool
	RollbackThresholds    RollbackThresholds
}

// SweepConfig governs the sweep manager.
type SweepConfig struct {
	MaxConcurrentSweeps int
	DefaultRateLimit    int
	DefaultMaxReposPerRun int
	Enabled             bool
}

// RealtimeConfig governs the realtime hub.
type RealtimeConfig struct {
	PingIntervalMs        int64
	ConnectionTimeoutMs   int64
	MaxMessageSize        int64
	MaxConnectionsPerUser int
}

// UpdatePipelineConfig bundles the top-level automation switches and the
// per-sub-component configs.
type UpdatePipelineConfig struct {
	AutoCanary  bool
	AutoRollout bool
	AutoSweep   bool

	VersionWatcher VersionWatcherConfig
	Canary         CanaryConfig
	Registry       RegistryConfig
	Rollout        RolloutConfig
	Sweep          SweepConfig
}

// Config is the root configuration for the assembled application.
type Config struct {
	LogLevel  string
	LogFormat string

	ClientAPIAddr   string
	RunnerAPIAddr   string
	OperatorAPIAddr string

	PersistenceBackend string // "memory" | "postgres" | "redis"
	PostgresDSN        string
	RedisAddr          string

	// ExecutionBackendURL is the base URL of the execution backend that
	// canary cases and repo sweeps dispatch to (internal/adapters).
	ExecutionBackendURL string

	// ChannelConfigPath and CanarySuitesPath optionally point at YAML files
	// overriding domain.ChannelConfigs and the canary runner's default
	// suites; both are empty by default, in which case the compiled-in
	// fixed defaults from spec §3 are used as-is.
	ChannelConfigPath string
	CanarySuitesPath  string

	Session        SessionConfig
	Runner         RunnerConfig
	UpdatePipeline UpdatePipelineConfig
	Realtime       RealtimeConfig
}

// Load reads configuration from the environment, optionally loading a .env
// file first (ignored if absent), and applies spec-default fallbacks.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),

		ClientAPIAddr:   envOr("CLIENT_API_ADDR", ":8080"),
		RunnerAPIAddr:   envOr("RUNNER_API_ADDR", ":8081"),
		OperatorAPIAddr: envOr("OPERATOR_API_ADDR", ":8082"),

		PersistenceBackend: envOr("PERSISTENCE_BACKEND", "memory"),
		PostgresDSN:        envOr("POSTGRES_DSN", ""),
		RedisAddr:          envOr("REDIS_ADDR", ""),

		ExecutionBackendURL: envOr("EXECUTION_BACKEND_URL", "http://localhost:9090"),

		ChannelConfigPath: envOr("CHANNEL_CONFIG_PATH", ""),
		CanarySuitesPath:  envOr("CANARY_SUITES_PATH", ""),

		Session: SessionConfig{
			MaxSessionsPerOrg:     envInt("MAX_SESSIONS_PER_ORG", 20),
			DefaultTimeoutMinutes: envInt("DEFAULT_TIMEOUT_MINUTES", 60),
			SessionDataTTLHours:   envInt("SESSION_DATA_TTL_HOURS", 72),
		},
		Runner: RunnerConfig{
			HeartbeatTimeoutMs:    envInt64("HEARTBEAT_TIMEOUT_MS", 30_000),
			HealthCheckIntervalMs: envInt64("HEALTH_CHECK_INTERVAL_MS", 10_000),
			MaxRunners:            envInt("MAX_RUNNERS", 1000),
			LoadFactor:            envFloat("LOAD_FACTOR", 0.9),
		},
		UpdatePipeline: UpdatePipelineConfig{
			AutoCanary:  envBool("AUTO_CANARY", true),
			AutoRollout: envBool("AUTO_ROLLOUT", true),
			AutoSweep:   envBool("AUTO_SWEEP", true),
			VersionWatcher: VersionWatcherConfig{
				DefaultCheckIntervalMs: envInt64("VERSION_CHECK_INTERVAL_MS", 3_600_000),
				HTTPTimeoutMs:          envInt64("VERSION_HTTP_TIMEOUT_MS", 10_000),
			},
			Canary: CanaryConfig{
				MaxConcurrency:    envInt("CANARY_MAX_CONCURRENCY", 4),
				DefaultTimeoutMs:  envInt64("CANARY_DEFAULT_TIMEOUT_MS", 300_000),
				RetryCount:        envInt("CANARY_RETRY_COUNT", 1),
				ContinueOnFailure: envBool("CANARY_CONTINUE_ON_FAILURE", true),
			},
			Registry: RegistryConfig{
				MaxVersionsPerProvider: envInt("REGISTRY_MAX_VERSIONS_PER_PROVIDER", 50),
				MaxBuilds:              envInt("REGISTRY_MAX_BUILDS", 200),
				AutoDeprecateDays:      envInt("REGISTRY_AUTO_DEPRECATE_DAYS", 90),
			},
			Rollout: RolloutConfig{
				MaxConcurrentRollouts: envInt("ROLLOUT_MAX_CONCURRENT", 3),
				CheckIntervalMs:       envInt64("ROLLOUT_CHECK_INTERVAL_MS", 60_000),
				AutoProgress:          envBool("ROLLOUT_AUTO_PROGRESS", true),
				RollbackThresholds: RollbackThresholds{
					MaxFailureRate:    envFloat("ROLLOUT_MAX_FAILURE_RATE", 0.10),
					MaxDisconnectRate: envFloat("ROLLOUT_MAX_DISCONNECT_RATE", 0.10),
					MinSessionCount:   envInt("ROLLOUT_MIN_SESSION_COUNT", 50),
				},
			},
			Sweep: SweepConfig{
				MaxConcurrentSweeps:   envInt("SWEEP_MAX_CONCURRENT", 2),
				DefaultRateLimit:      envInt("SWEEP_DEFAULT_RATE_LIMIT", 10),
				DefaultMaxReposPerRun: envInt("SWEEP_DEFAULT_MAX_REPOS_PER_RUN", 100),
				Enabled:               envBool("SWEEP_ENABLED", true),
			},
		},
		Realtime: RealtimeConfig{
			PingIntervalMs:        envInt64("REALTIME_PING_INTERVAL_MS", 30_000),
			ConnectionTimeoutMs:   envInt64("REALTIME_CONNECTION_TIMEOUT_MS", 90_000),
			MaxMessageSize:        envInt64("REALTIME_MAX_MESSAGE_SIZE", 1<<20),
			MaxConnectionsPerUser: envInt("REALTIME_MAX_CONNECTIONS_PER_USER", 5),
		},
	}
}

// channelConfigYAML mirrors domain.ChannelConfig field-for-field so a channel
// table can be authored in YAML without exposing yaml struct tags on the
// domain type itself.
type channelConfigYAML struct {
	Channel           string  `yaml:"channel"`
	RequiresCanary    bool    `yaml:"requiresCanary"`
	CanaryThreshold   float64 `yaml:"canaryThreshold"`
	RolloutStages     []int   `yaml:"rolloutStages"`
	RolloutDelayHours float64 `yaml:"rolloutDelayHours"`
}

// LoadChannelConfigs reads a YAML channel table from path, falling back to
// domain.ChannelConfigs (spec §3's fixed defaults) when path is empty. The
// file replaces the whole table; channels it omits keep no configuration.
func LoadChannelConfigs(path string) (map[domain.Channel]domain.ChannelConfig, error) {
	if path == "" {
		return domain.ChannelConfigs, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel config: %w", err)
	}
	var entries []channelConfigYAML
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse channel config: %w", err)
	}
	out := make(map[domain.Channel]domain.ChannelConfig, len(entries))
	for _, e := range entries {
		ch := domain.Channel(e.Channel)
		out[ch] = domain.ChannelConfig{
			Channel:         ch,
			RequiresCanary:  e.RequiresCanary,
			CanaryThreshold: e.CanaryThreshold,
			RolloutStages:   append([]int(nil), e.RolloutStages...),
			RolloutDelay:    time.Duration(e.RolloutDelayHours * float64(time.Hour)),
		}
	}
	return out, nil
}

// canarySuiteYAML mirrors domain.Suite for YAML authoring of canary test
// suites (spec §4.3.2), with cases expressed the same way.
type canarySuiteYAML struct {
	Name      string `yaml:"name"`
	TimeoutMs int64  `yaml:"timeoutMs"`
	Cases     []struct {
		CaseID       string `yaml:"caseId"`
		Name         string `yaml:"name"`
		AssertPath   string `yaml:"assertPath"`
		AssertEquals string `yaml:"assertEquals"`
	} `yaml:"cases"`
}

// LoadCanarySuites reads YAML canary suite/test-case definitions from path.
// When path is empty it returns nil, signaling the caller should keep using
// whatever default suites it already has configured.
func LoadCanarySuites(path string) ([]domain.Suite, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read canary suites: %w", err)
	}
	var entries []canarySuiteYAML
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse canary suites: %w", err)
	}
	suites := make([]domain.Suite, 0, len(entries))
	for _, e := range entries {
		suite := domain.Suite{Name: e.Name, TimeoutMs: e.TimeoutMs}
		for _, c := range e.Cases {
			suite.Cases = append(suite.Cases, domain.TestCase{
				CaseID:       c.CaseID,
				Suite:        e.Name,
				Name:         c.Name,
				AssertPath:   c.AssertPath,
				AssertEquals: c.AssertEquals,
			})
		}
		suites = append(suites, suite)
	}
	return suites, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration helpers used by components that prefer time.Duration over raw ms.
func Millis(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Package versionwatcher implements the Version Watcher (spec §4.3.1): it
// polls configured upstream sources per provider on their own cadence and
// records newly discovered versions.
package versionwatcher

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
)

// Fetcher extracts the latest semver for one upstream source. Separated
// from the watcher so each SourceType (npm, github_releases, homebrew,
// custom) plugs in its own HTTP-shaped extraction logic.
type Fetcher interface {
	Fetch(ctx context.Context, source domain.UpstreamSource) (version string, err error)
}

// Config bundles the version watcher's tunables (spec §6).
type Config struct {
	DefaultCheckInterval time.Duration
	HTTPTimeout          time.Duration
}

// Watcher polls every configured source on a robfig/cron schedule derived
// from its own checkIntervalMs, funneling results through one sink.
type Watcher struct {
	cfg     Config
	fetcher Fetcher
	sink    events.Sink
	log     *logging.Logger

	cron *cron.Cron

	mu      sync.Mutex
	known   map[domain.ProviderID]string
	httpCli *http.Client
}

// New constructs a Watcher. fetcher performs the actual upstream fetch;
// pass a real HTTP-backed Fetcher in production and a stub in tests.
func New(cfg Config, fetcher Fetcher, sink events.Sink, log *logging.Logger) *Watcher {
	if cfg.DefaultCheckInterval <= 0 {
		cfg.DefaultCheckInterval = time.Hour
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("update_pipeline.version_watcher")
	}
	return &Watcher{
		cfg:     cfg,
		fetcher: fetcher,
		sink:    sink,
		log:     log,
		cron:    cron.New(cron.WithSeconds()),
		known:   make(map[domain.ProviderID]string),
		httpCli: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

func (w *Watcher) Name() string { return "update_pipeline.version_watcher" }

// Watch registers source on the cron schedule derived from its
// checkIntervalMs and returns the cron entry ID (useful for tests wanting a
// single manual poll).
func (w *Watcher) Watch(source domain.UpstreamSource) (cron.EntryID, error) {
	interval := time.Duration(source.CheckIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = w.cfg.DefaultCheckInterval
	}
	spec := "@every " + interval.String()
	return w.cron.AddFunc(spec, func() {
		w.poll(context.Background(), source)
	})
}

// Start begins running every scheduled source poll.
func (w *Watcher) Start(_ context.Context) error {
	w.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any in-flight poll to finish.
func (w *Watcher) Stop(_ context.Context) error {
	<-w.cron.Stop().Done()
	return nil
}

// poll runs one check for source, recording a new version and emitting
// version_discovered on change, or check_error on failure (spec §4.3.1).
func (w *Watcher) poll(ctx context.Context, source domain.UpstreamSource) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.HTTPTimeout)
	defer cancel()

	version, err := w.fetcher.Fetch(ctx, source)
	if err != nil {
		w.log.WithContext(ctx).WithField("provider_id", source.ProviderID).WithError(err).Warn("version check failed")
		w.sink.Emit(ctx, events.Event{
			Type:  events.TypeCheckError,
			Topic: string(source.ProviderID),
			At:    time.Now().UTC(),
			Payload: CheckErrorPayload{ProviderID: source.ProviderID, SourceURL: source.URL, Error: err.Error()},
		})
		return
	}

	w.mu.Lock()
	previous, known := w.known[source.ProviderID]
	if known && previous == version {
		w.mu.Unlock()
		return
	}
	w.known[source.ProviderID] = version
	w.mu.Unlock()

	w.sink.Emit(ctx, events.Event{
		Type:  events.TypeVersionDiscovered,
		Topic: string(source.ProviderID),
		At:    time.Now().UTC(),
		Payload: VersionDiscoveredPayload{
			ProviderID:      source.ProviderID,
			Version:         version,
			PreviousVersion: previous,
			SourceURL:       source.URL,
		},
	})
}

// RegisterHeartbeatVersion accepts a version observed in a Fleet Manager
// heartbeat (spec §4.3.1), recording it the same way a successful poll
// would without going through a Fetcher.
func (w *Watcher) RegisterHeartbeatVersion(ctx context.Context, providerID domain.ProviderID, version string) {
	w.mu.Lock()
	previous, known := w.known[providerID]
	if known && previous == version {
		w.mu.Unlock()
		return
	}
	w.known[providerID] = version
	w.mu.Unlock()

	w.sink.Emit(ctx, events.Event{
		Type:  events.TypeVersionDiscovered,
		Topic: string(providerID),
		At:    time.Now().UTC(),
		Payload: VersionDiscoveredPayload{
			ProviderID:      providerID,
			Version:         version,
			PreviousVersion: previous,
		},
	})
}

// VersionDiscoveredPayload is the payload of a version_discovered event.
type VersionDiscoveredPayload struct {
	ProviderID      domain.ProviderID
	Version         string
	PreviousVersion string
	SourceURL       string
}

// CheckErrorPayload is the payload of a check_error event.
type CheckErrorPayload struct {
	ProviderID domain.ProviderID
	SourceURL  string
	Error      string
}

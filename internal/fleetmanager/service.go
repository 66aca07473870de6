// Package fleetmanager implements the Fleet Manager (spec §4.2): runner
// registration, heartbeat-driven liveness, capacity accounting, and
// load-aware placement.
package fleetmanager

import (
	"context"
	"time"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
)

// Config bundles the Fleet Manager's tunables (spec §6).
type Config struct {
	HeartbeatTimeout    time.Duration
	HealthCheckInterval time.Duration
	MaxRunners          int
	LoadFactor          float64
}

// Manager owns the runner table and placement logic.
type Manager struct {
	cfg   Config
	store *store
	sink  events.Sink
	log   *logging.Logger
}

// New constructs a Fleet Manager. sink receives version_reported,
// runner_offline and runner_online events; pass events.NoopSink if nothing consumes them yet.
func New(cfg Config, sink events.Sink, log *logging.Logger) *Manager {
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("fleet_manager")
	}
	return &Manager{cfg: cfg, store: newStore(), sink: sink, log: log}
}

func (m *Manager) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "fleet_manager",
		Domain:       "fleet",
		Layer:        core.LayerEngine,
		Capabilities: []string{"register", "heartbeat", "placement"},
	}
}

// RegisterRunner registers hostname, or refreshes the existing runner with
// that hostname in place (spec §4.2 Registration).
func (m *Manager) RegisterRunner(ctx context.Context, hostname string, caps domain.Capabilities, metadata map[string]string) (domain.Runner, error) {
	hostname = normalizeHost(hostname)
	now := time.Now().UTC()

	if entry, ok := m.store.findByHostname(hostname); ok {
		entry.mu.Lock()
		wasOffline := entry.r.Status == domain.RunnerOffline
		entry.r.Capabilities = caps
		if metadata != nil {
			entry.r.Metadata = metadata
		}
		entry.r.Status = domain.RunnerOnline
		entry.r.LastHeartbeatAt = now
		snapshot := entry.r.Clone()
		entry.mu.Unlock()
		m.log.WithContext(ctx).WithField("runner_id", snapshot.RunnerID).Info("runner re-registered")
		if wasOffline {
			m.sink.Emit(ctx, events.Event{
				Type:    events.TypeRunnerOnline,
				Topic:   snapshot.RunnerID,
				At:      now,
				Payload: RunnerOnline{RunnerID: snapshot.RunnerID},
			})
		}
		return snapshot, nil
	}

	if m.store.count() >= m.cfg.MaxRunners {
		return domain.Runner{}, apierrors.Exhausted(apierrors.CodeRunnerLimitExceeded, "runner limit exceeded")
	}

	r := domain.Runner{
		RunnerID:         newRunnerID(),
		Hostname:         hostname,
		Status:           domain.RunnerOnline,
		Capabilities:     caps,
		RuntimeVersions:  make(map[domain.ProviderID]string),
		Metadata:         metadata,
		RegisteredAt:     now,
		LastHeartbeatAt:  now,
		AssignedSessions: make(map[string]struct{}),
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	m.store.insert(r)
	m.log.WithContext(ctx).WithField("runner_id", r.RunnerID).WithField("hostname", hostname).Info("runner registered")
	return r.Clone(), nil
}

// Heartbeat applies a reported load/session/version snapshot (spec §4.2).
func (m *Manager) Heartbeat(ctx context.Context, runnerID string, load domain.Load, activeSessions []string, runtimeVersions map[domain.ProviderID]string) error {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return apierrors.NotFound(apierrors.CodeRunnerNotFound, "runner not found")
	}

	entry.mu.Lock()
	wasOffline := entry.r.Status == domain.RunnerOffline
	entry.r.Load = load
	entry.r.Load.ActiveSessions = len(activeSessions)
	entry.r.AssignedSessions = make(map[string]struct{}, len(activeSessions))
	for _, sid := range activeSessions {
		entry.r.AssignedSessions[sid] = struct{}{}
	}
	changed := map[domain.ProviderID]string{}
	if entry.r.RuntimeVersions == nil {
		entry.r.RuntimeVersions = make(map[domain.ProviderID]string)
	}
	for provider, version := range runtimeVersions {
		if entry.r.RuntimeVersions[provider] != version {
			changed[provider] = version
		}
		entry.r.RuntimeVersions[provider] = version
	}
	if wasOffline {
		entry.r.Status = domain.RunnerOnline
	}
	entry.r.LastHeartbeatAt = time.Now().UTC()
	entry.mu.Unlock()

	for provider, version := range changed {
		m.sink.Emit(ctx, events.Event{
			Type:  events.TypeVersionReported,
			Topic: string(provider),
			At:    time.Now().UTC(),
			Payload: VersionReported{
				ProviderID: provider,
				Version:    version,
				RunnerID:   runnerID,
			},
		})
	}
	if wasOffline {
		m.sink.Emit(ctx, events.Event{
			Type:    events.TypeRunnerOnline,
			Topic:   runnerID,
			At:      time.Now().UTC(),
			Payload: RunnerOnline{RunnerID: runnerID},
		})
	}
	return nil
}

// VersionReported is the payload of a version_reported event.
type VersionReported struct {
	ProviderID domain.ProviderID
	Version    string
	RunnerID   string
}

// GetRunner returns a snapshot of one runner.
func (m *Manager) GetRunner(_ context.Context, runnerID string) (domain.Runner, error) {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return domain.Runner{}, apierrors.NotFound(apierrors.CodeRunnerNotFound, "runner not found")
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.r.Clone(), nil
}

// ListRunners returns a page of runners, optionally filtered by status.
func (m *Manager) ListRunners(_ context.Context, page, pageSize int, statusFilter domain.RunnerStatus) ([]domain.Runner, int) {
	page = max1(page)
	pageSize = core.ClampLimit(pageSize, core.DefaultListLimit, core.MaxListLimit)
	return m.store.list(page, pageSize, statusFilter)
}

// DrainRunner marks a runner draining so it stops receiving new placements
// while its existing sessions finish.
func (m *Manager) DrainRunner(_ context.Context, runnerID string) (domain.Runner, error) {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return domain.Runner{}, apierrors.NotFound(apierrors.CodeRunnerNotFound, "runner not found")
	}
	entry.mu.Lock()
	entry.r.Status = domain.RunnerDraining
	snapshot := entry.r.Clone()
	entry.mu.Unlock()
	return snapshot, nil
}

// RemoveRunner deletes a runner that has no assigned sessions (invariant R3).
func (m *Manager) RemoveRunner(_ context.Context, runnerID string) error {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return apierrors.NotFound(apierrors.CodeRunnerNotFound, "runner not found")
	}
	entry.mu.Lock()
	active := len(entry.r.AssignedSessions)
	entry.mu.Unlock()
	if active > 0 {
		return apierrors.Conflict(apierrors.CodeRunnerHasActiveSession, "runner has active sessions")
	}
	m.store.remove(runnerID)
	return nil
}

// Select is the advisory placement algorithm (spec §4.2): among eligible
// online runners, pick the lowest-utilization candidate, breaking ties by
// fewer active sessions then lexicographic hostname. The returned runnerID
// is not reserved — Assign re-checks capacity authoritatively.
func (m *Manager) Select(_ context.Context, provider domain.ProviderID) (string, bool) {
	candidates := m.store.snapshotAll()

	var best *domain.Runner
	for i := range candidates {
		r := candidates[i]
		if r.Status != domain.RunnerOnline {
			continue
		}
		if !r.SupportsProvider(provider) {
			continue
		}
		capLimit := float64(r.Capabilities.MaxConcurrentSessions) * m.cfg.LoadFactor
		if float64(r.Load.ActiveSessions) >= capLimit {
			continue
		}
		if best == nil || isBetterCandidate(r, *best) {
			best = &candidates[i]
		}
	}
	if best == nil {
		return "", false
	}
	return best.RunnerID, true
}

func isBetterCandidate(a, b domain.Runner) bool {
	ua, ub := a.UtilizationRatio(), b.UtilizationRatio()
	if ua != ub {
		return ua < ub
	}
	if a.Load.ActiveSessions != b.Load.ActiveSessions {
		return a.Load.ActiveSessions < b.Load.ActiveSessions
	}
	return a.Hostname < b.Hostname
}

// Assign is the authoritative capacity check: it re-verifies capacity under
// the runner's own lock and only then adds sessionID to the assigned set.
// Returns false on race loss (another Assign won first).
func (m *Manager) Assign(_ context.Context, runnerID, sessionID string) bool {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.r.Status != domain.RunnerOnline {
		return false
	}
	capLimit := float64(entry.r.Capabilities.MaxConcurrentSessions) * m.cfg.LoadFactor
	if float64(entry.r.Load.ActiveSessions) >= capLimit {
		return false
	}
	if entry.r.AssignedSessions == nil {
		entry.r.AssignedSessions = make(map[string]struct{})
	}
	if _, exists := entry.r.AssignedSessions[sessionID]; exists {
		return true
	}
	entry.r.AssignedSessions[sessionID] = struct{}{}
	entry.r.Load.ActiveSessions = len(entry.r.AssignedSessions)
	return true
}

// Release removes sessionID from a runner's assigned set (invariant I3).
func (m *Manager) Release(_ context.Context, runnerID, sessionID string) bool {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if _, exists := entry.r.AssignedSessions[sessionID]; !exists {
		return false
	}
	delete(entry.r.AssignedSessions, sessionID)
	entry.r.Load.ActiveSessions = len(entry.r.AssignedSessions)
	return true
}

// Capacity reports total and in-use capacity across all online runners.
func (m *Manager) Capacity(_ context.Context) (total, inUse int) {
	for _, r := range m.store.snapshotAll() {
		if r.Status != domain.RunnerOnline {
			continue
		}
		total += r.Capabilities.MaxConcurrentSessions
		inUse += r.Load.ActiveSessions
	}
	return total, inUse
}

// AssignedSessionIDs returns the session IDs currently assigned to runnerID,
// used by the Session Coordinator's offline failover to fail the sessions of
// a runner that has stayed offline past the grace window.
func (m *Manager) AssignedSessionIDs(_ context.Context, runnerID string) []string {
	entry, ok := m.store.get(runnerID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	ids := make([]string, 0, len(entry.r.AssignedSessions))
	for id := range entry.r.AssignedSessions {
		ids = append(ids, id)
	}
	return ids
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

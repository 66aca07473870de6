package fleetmanager

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
)

// LivenessChecker is the Fleet Manager's periodic health-check scheduler
// (spec §4.2): every HealthCheckInterval it marks runners offline whose
// last heartbeat has aged past HeartbeatTimeout. It is the one consolidated
// ticker for this concern, per the design note against scattered timers
// (spec §9).
type LivenessChecker struct {
	manager *Manager

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLivenessChecker wraps manager with its periodic offline sweep.
func NewLivenessChecker(manager *Manager) *LivenessChecker {
	return &LivenessChecker{manager: manager}
}

func (l *LivenessChecker) Name() string { return "fleet_manager.liveness" }

func (l *LivenessChecker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         l.Name(),
		Domain:       "fleet",
		Layer:        core.LayerEngine,
		Capabilities: []string{"liveness"},
	}
}

func (l *LivenessChecker) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.running = true
	l.mu.Unlock()

	interval := l.manager.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				l.tick(runCtx)
			}
		}
	}()
	return nil
}

func (l *LivenessChecker) Stop(_ context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	l.running = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
	return nil
}

// tick marks any non-offline runner offline once its last heartbeat has
// aged past HeartbeatTimeout, and emits runner_offline (spec §4.2 Liveness
// check). Offline runners retain their assigned sessions; the Session
// Coordinator fails those sessions over after its own grace window.
func (l *LivenessChecker) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, r := range l.manager.store.snapshotAll() {
		if r.Status == domain.RunnerOffline {
			continue
		}
		if now.Sub(r.LastHeartbeatAt) <= l.manager.cfg.HeartbeatTimeout {
			continue
		}
		entry, ok := l.manager.store.get(r.RunnerID)
		if !ok {
			continue
		}
		entry.mu.Lock()
		if now.Sub(entry.r.LastHeartbeatAt) <= l.manager.cfg.HeartbeatTimeout {
			entry.mu.Unlock()
			continue
		}
		entry.r.Status = domain.RunnerOffline
		entry.mu.Unlock()

		l.manager.sink.Emit(ctx, events.Event{
			Type:  events.TypeRunnerOffline,
			Topic: r.RunnerID,
			At:    now,
			Payload: RunnerOffline{
				RunnerID:        r.RunnerID,
				LastHeartbeatAt: r.LastHeartbeatAt,
			},
		})
	}
}

// RunnerOffline is the payload of a runner_offline event.
type RunnerOffline struct {
	RunnerID        string
	LastHeartbeatAt time.Time
}

// RunnerOnline is the payload of a runner_online event, emitted whenever a
// runner that was offline re-registers or resumes heartbeating. Consumers
// use it to abort any pending offline failover for that runner.
type RunnerOnline struct {
	RunnerID string
}

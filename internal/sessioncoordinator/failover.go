package sessioncoordinator

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
)

// OfflineFailover subscribes to the Fleet Manager's runner_offline events
// and, after the runner has stayed offline past the configured grace
// window (spec §5: "2x heartbeatTimeoutMs"), fails over every session still
// assigned to it. It is wired as a Sink on the shared event bus at
// application assembly time rather than being polled.
type OfflineFailover struct {
	coordinator *Coordinator
	grace       time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewOfflineFailover wraps coordinator with a runner-offline grace-window
// listener.
func NewOfflineFailover(coordinator *Coordinator, grace time.Duration) *OfflineFailover {
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	return &OfflineFailover{
		coordinator: coordinator,
		grace:       grace,
		pending:     make(map[string]*time.Timer),
	}
}

// Emit implements events.Sink. It schedules a failover on runner_offline and
// aborts a pending one on runner_online (a runner that reconnects within the
// grace window keeps its sessions); every other event type is ignored.
func (f *OfflineFailover) Emit(_ context.Context, event events.Event) {
	switch event.Type {
	case events.TypeRunnerOffline:
		offline, ok := event.Payload.(fleetmanager.RunnerOffline)
		if !ok {
			return
		}
		f.schedule(offline.RunnerID)
	case events.TypeRunnerOnline:
		online, ok := event.Payload.(fleetmanager.RunnerOnline)
		if !ok {
			return
		}
		f.Cancel(online.RunnerID)
	}
}

func (f *OfflineFailover) schedule(runnerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, already := f.pending[runnerID]; already {
		return
	}
	f.pending[runnerID] = time.AfterFunc(f.grace, func() {
		f.mu.Lock()
		delete(f.pending, runnerID)
		f.mu.Unlock()
		f.coordinator.FailSessionsForRunner(context.Background(), runnerID)
	})
}

// Cancel aborts a pending failover for runnerID, used when a runner comes
// back online (re-registers or heartbeats) before its grace window elapses.
func (f *OfflineFailover) Cancel(runnerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.pending[runnerID]; ok {
		t.Stop()
		delete(f.pending, runnerID)
	}
}

// Stop cancels every pending failover timer; called during application
// shutdown.
func (f *OfflineFailover) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, t := range f.pending {
		t.Stop()
		delete(f.pending, id)
	}
}

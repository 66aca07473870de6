package sessioncoordinator

import (
	"context"
	"sync"
	"time"

	"github.com/r3e-network/fleetctl/internal/core"
)

// RetentionSweeper periodically purges terminal sessions past
// sessionDataTtlHours (spec §3 Session lifecycle: "destroyed after
// sessionDataTtlHours past completedAt"). It is the Coordinator's one
// consolidated ticker for this concern.
type RetentionSweeper struct {
	coordinator *Coordinator
	interval    time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewRetentionSweeper wraps coordinator with its periodic purge loop.
func NewRetentionSweeper(coordinator *Coordinator, interval time.Duration) *RetentionSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{coordinator: coordinator, interval: interval}
}

func (r *RetentionSweeper) Name() string { return "session_coordinator.retention" }

func (r *RetentionSweeper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.coordinator.PurgeExpired(runCtx)
			}
		}
	}()
	return nil
}

func (r *RetentionSweeper) Stop(_ context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.coordinator.watchdogs.stopAll()
	return nil
}

var _ core.Service = (*RetentionSweeper)(nil)

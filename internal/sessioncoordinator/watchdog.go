package sessioncoordinator

import (
	"sync"
	"time"
)

// watchdogSet tracks the per-session timeout timer (spec §5: "each session
// has an effective timeout ... a per-session watchdog fires TIMED_OUT").
// Keeping these in one map, rather than scattering raw time.AfterFunc calls
// through the call sites, gives Stop a single place to cancel every
// outstanding timer during shutdown.
type watchdogSet struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newWatchdogSet() *watchdogSet {
	return &watchdogSet{timers: make(map[string]*time.Timer)}
}

func (w *watchdogSet) start(sessionID string, d time.Duration, fire func()) {
	if d <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.timers[sessionID]; ok {
		existing.Stop()
	}
	w.timers[sessionID] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, sessionID)
		w.mu.Unlock()
		fire()
	})
}

func (w *watchdogSet) cancel(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[sessionID]; ok {
		t.Stop()
		delete(w.timers, sessionID)
	}
}

// stopAll cancels every outstanding watchdog; used on Coordinator shutdown.
func (w *watchdogSet) stopAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, t := range w.timers {
		t.Stop()
		delete(w.timers, id)
	}
}

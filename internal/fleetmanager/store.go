package fleetmanager

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// runnerEntry bundles a runner with its own mutex so table-wide mutation
// (insertion/removal) and single-runner mutation (heartbeat, assignment) use
// separate locks, per the concurrency model in spec §5.
type runnerEntry struct {
	mu sync.Mutex
	r  domain.Runner
}

// store is the Fleet Manager's in-process runner table: a table-level lock
// guards the map of runner entries; each entry's own mutex guards mutation
// of that runner's fields.
type store struct {
	tableMu sync.RWMutex
	byID    map[string]*runnerEntry
	byHost  map[string]string // hostname -> runnerID; kept when a runner goes offline, dropped on remove
}

func newStore() *store {
	return &store{
		byID:   make(map[string]*runnerEntry),
		byHost: make(map[string]string),
	}
}

func (s *store) insert(r domain.Runner) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	s.byID[r.RunnerID] = &runnerEntry{r: r}
	if r.Status == domain.RunnerOnline || r.Status == domain.RunnerDraining {
		s.byHost[r.Hostname] = r.RunnerID
	}
}

func (s *store) findByHostname(hostname string) (*runnerEntry, bool) {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	id, ok := s.byHost[hostname]
	if !ok {
		return nil, false
	}
	e, ok := s.byID[id]
	return e, ok
}

func (s *store) get(runnerID string) (*runnerEntry, bool) {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	e, ok := s.byID[runnerID]
	return e, ok
}

func (s *store) count() int {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	return len(s.byID)
}

func (s *store) remove(runnerID string) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	if e, ok := s.byID[runnerID]; ok {
		delete(s.byHost, e.r.Hostname)
	}
	delete(s.byID, runnerID)
}

// snapshotAll returns a point-in-time copy of every runner, taken without
// holding any single runner's lock across the whole scan — each entry is
// locked only long enough to clone it (spec §5: Select takes read-only
// snapshots without holding the table lock for the duration of scoring).
func (s *store) snapshotAll() []domain.Runner {
	s.tableMu.RLock()
	entries := make([]*runnerEntry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.tableMu.RUnlock()

	out := make([]domain.Runner, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.r.Clone())
		e.mu.Unlock()
	}
	return out
}

// list applies filters and pagination over a stable, hostname-sorted
// snapshot.
func (s *store) list(page, pageSize int, statusFilter domain.RunnerStatus) ([]domain.Runner, int) {
	all := s.snapshotAll()
	sort.Slice(all, func(i, j int) bool { return all[i].Hostname < all[j].Hostname })

	if statusFilter != "" {
		filtered := all[:0:0]
		for _, r := range all {
			if r.Status == statusFilter {
				filtered = append(filtered, r)
			}
		}
		all = filtered
	}

	total := len(all)
	start := (page - 1) * pageSize
	if start < 0 || start >= total {
		return nil, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total
}

func newRunnerID() string { return uuid.NewString() }

func normalizeHost(h string) string { return strings.TrimSpace(h) }

// Package sessioncoordinator implements the Session Coordinator (spec
// §4.1): the session lifecycle state machine, approval queue, and
// per-organization admission control.
package sessioncoordinator

import (
	"sort"
	"sync"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// sessionEntry bundles a session with its own mutex, mirroring the Fleet
// Manager's per-entity locking discipline (spec §5): the sessions table
// lock only guards insertion/removal and the org index, never a single
// session's field mutation.
type sessionEntry struct {
	mu sync.Mutex
	s  domain.Session
}

// store is the Coordinator's in-process sessions table, indexed by
// sessionID and org.
type store struct {
	tableMu sync.RWMutex
	byID    map[string]*sessionEntry
	byOrg   map[string]map[string]struct{}
}

func newStore() *store {
	return &store{
		byID:  make(map[string]*sessionEntry),
		byOrg: make(map[string]map[string]struct{}),
	}
}

func (s *store) insert(sess domain.Session) *sessionEntry {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	entry := &sessionEntry{s: sess}
	s.byID[sess.SessionID] = entry
	if s.byOrg[sess.OrgID] == nil {
		s.byOrg[sess.OrgID] = make(map[string]struct{})
	}
	s.byOrg[sess.OrgID][sess.SessionID] = struct{}{}
	return entry
}

func (s *store) get(sessionID string) (*sessionEntry, bool) {
	s.tableMu.RLock()
	defer s.tableMu.RUnlock()
	e, ok := s.byID[sessionID]
	return e, ok
}

// remove deletes a session from the table entirely; used only by retention
// garbage collection (sessionDataTtlHours past completion), never by normal
// lifecycle transitions.
func (s *store) remove(sessionID, orgID string) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	delete(s.byID, sessionID)
	if orgIdx, ok := s.byOrg[orgID]; ok {
		delete(orgIdx, sessionID)
		if len(orgIdx) == 0 {
			delete(s.byOrg, orgID)
		}
	}
}

// countActiveForOrg counts non-terminal sessions for orgID (invariant I1).
func (s *store) countActiveForOrg(orgID string) int {
	s.tableMu.RLock()
	ids := s.byOrg[orgID]
	entries := make([]*sessionEntry, 0, len(ids))
	for id := range ids {
		entries = append(entries, s.byID[id])
	}
	s.tableMu.RUnlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.s.State.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// listByOrg returns a stable-sorted, paginated snapshot of orgID's sessions,
// optionally filtered by state.
func (s *store) listByOrg(orgID string, page, pageSize int, stateFilter domain.SessionState) ([]domain.Session, int) {
	s.tableMu.RLock()
	ids := s.byOrg[orgID]
	entries := make([]*sessionEntry, 0, len(ids))
	for id := range ids {
		entries = append(entries, s.byID[id])
	}
	s.tableMu.RUnlock()

	all := make([]domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		all = append(all, e.s.Clone())
		e.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.Before(all[j].StartedAt) })

	if stateFilter != "" {
		filtered := all[:0:0]
		for _, sess := range all {
			if sess.State == stateFilter {
				filtered = append(filtered, sess)
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

// snapshotAll returns every session in the table, used by retention sweeps.
func (s *store) snapshotAll() []domain.Session {
	s.tableMu.RLock()
	entries := make([]*sessionEntry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.tableMu.RUnlock()

	out := make([]domain.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.s.Clone())
		e.mu.Unlock()
	}
	return out
}

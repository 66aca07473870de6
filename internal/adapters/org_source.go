package adapters

import (
	"context"
	"sync"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// StaticOrgSource implements rollout.OrgSource over an in-memory, operator-
// maintained directory of organizations. No org-directory module exists in
// this spec's scope, so the directory is seeded and updated directly
// (e.g. from an operator endpoint or a config file) rather than fetched
// from an external identity system.
type StaticOrgSource struct {
	mu   sync.RWMutex
	orgs map[string]domain.OrgRuntimeConfig
}

// NewStaticOrgSource builds a StaticOrgSource seeded with the given orgs.
func NewStaticOrgSource(seed []domain.OrgRuntimeConfig) *StaticOrgSource {
	s := &StaticOrgSource{orgs: make(map[string]domain.OrgRuntimeConfig, len(seed))}
	for _, o := range seed {
		s.orgs[o.OrgID] = o
	}
	return s
}

// Put inserts or replaces one org's runtime configuration.
func (s *StaticOrgSource) Put(org domain.OrgRuntimeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs[org.OrgID] = org
}

// EligibleOrgs returns every org subscribed to channel, honoring the
// enterprise-approval gate when requested.
func (s *StaticOrgSource) EligibleOrgs(_ context.Context, channel domain.Channel, enterpriseApprovedOnly bool) []domain.OrgRuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OrgRuntimeConfig, 0, len(s.orgs))
	for _, o := range s.orgs {
		if o.Channel != channel {
			continue
		}
		if enterpriseApprovedOnly && o.EnterpriseApprovalRequired {
			continue
		}
		out = append(out, o)
	}
	return out
}

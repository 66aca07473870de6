package adapters

import (
	"context"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/rollout"
)

// sessionLister is the subset of *sessioncoordinator.Coordinator this
// adapter depends on, kept narrow to avoid importing the whole package's
// surface for one aggregate read.
type sessionLister interface {
	List(ctx context.Context, orgID string, page, pageSize int, stateFilter domain.SessionState) ([]domain.SessionSummary, int)
}

// SessionMetricsSource implements rollout.MetricsSource by aggregating
// session counts from the Session Coordinator. The spec leaves rollout-to-
// session correlation undefined (open question, see DESIGN.md); this
// adapter reports a global health signal across every tracked session
// rather than inventing an unmodeled per-rollout linkage.
type SessionMetricsSource struct {
	sessions sessionLister
}

// NewSessionMetricsSource builds a MetricsSource backed by coordinator.
func NewSessionMetricsSource(coordinator sessionLister) *SessionMetricsSource {
	return &SessionMetricsSource{sessions: coordinator}
}

// CollectMetrics ignores rolloutID for the reason documented on the type.
func (s *SessionMetricsSource) CollectMetrics(ctx context.Context, _ string) rollout.RolloutMetrics {
	_, total := s.sessions.List(ctx, "", 1, 1, "")
	if total == 0 {
		return rollout.RolloutMetrics{}
	}
	_, failed := s.sessions.List(ctx, "", 1, 1, domain.SessionFailed)
	_, timedOut := s.sessions.List(ctx, "", 1, 1, domain.SessionTimedOut)

	return rollout.RolloutMetrics{
		SessionsStarted: total,
		FailureRate:     float64(failed) / float64(total),
		DisconnectRate:  float64(timedOut) / float64(total),
	}
}

// Package rollout implements the Rollout Controller (spec §4.3.4): staged
// deployment of a build to organizations on a channel, with automatic
// progression and rollback.
package rollout

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/queue"
)

const maxEventLog = 10_000

// Config bundles the rollout controller's tunables (spec §6).
type Config struct {
	MaxConcurrentRollouts int
	CheckInterval         time.Duration
	AutoProgress          bool
	RollbackThresholds    RollbackThresholds
}

// RollbackThresholds gate automatic rollback decisions.
type RollbackThresholds struct {
	MaxFailureRate    float64
	MaxDisconnectRate float64
	MinSessionCount   int
}

// MetricsSource supplies the rollout progression metrics the spec leaves
// to the implementer (spec §9 open question): sessions started, failure
// rate, and disconnect rate observed for a rollout since its last update.
type MetricsSource interface {
	CollectMetrics(ctx context.Context, rolloutID string) RolloutMetrics
}

// RolloutMetrics is the metrics snapshot driving automatic progression.
type RolloutMetrics struct {
	SessionsStarted int
	FailureRate     float64
	DisconnectRate  float64
}

// OrgSource supplies the orgs eligible for a channel's rollouts.
type OrgSource interface {
	EligibleOrgs(ctx context.Context, channel domain.Channel, enterpriseApprovedOnly bool) []domain.OrgRuntimeConfig
}

// Controller owns ActiveRollouts and the append-only rollout event log.
type Controller struct {
	cfg     Config
	q       *queue.Queue
	cancel  context.CancelFunc
	metrics MetricsSource
	orgs    OrgSource
	sink    events.Sink
	log     *logging.Logger

	rollouts map[string]domain.Rollout
	events_  []domain.RolloutEvent
	seq      int64
}

// New constructs a rollout Controller and starts its single-writer
// goroutine.
func New(ctx context.Context, cfg Config, metrics MetricsSource, orgs OrgSource, sink events.Sink, log *logging.Logger) *Controller {
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("update_pipeline.rollout")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &Controller{
		cfg: cfg, metrics: metrics, orgs: orgs, sink: sink, log: log,
		q:        queue.New(128),
		cancel:   cancel,
		rollouts: make(map[string]domain.Rollout),
	}
	c.q.Start(runCtx)
	return c
}

func (c *Controller) Stop() {
	c.cancel()
	c.q.Stop()
}

type rolloutOrErr struct {
	rollout domain.Rollout
	err     error
}

func (r rolloutOrErr) unwrap() (domain.Rollout, error) { return r.rollout, r.err }

// InitiateRollout starts a new staged rollout for build on channel (spec
// §4.3.4).
func (c *Controller) InitiateRollout(_ context.Context, build domain.Build, channel domain.Channel, canaryResult *domain.CanaryResult) (domain.Rollout, error) {
	return queue.Submit(c.q, func() rolloutOrErr {
		chCfg, ok := domain.ChannelConfigs[channel]
		if !ok {
			return rolloutOrErr{err: apierrors.Invalid(apierrors.CodeInvalidInput, "unknown channel")}
		}
		if chCfg.RequiresCanary {
			if canaryResult == nil || canaryResult.Status != domain.CanaryStatusPassed {
				return rolloutOrErr{err: apierrors.Conflict(apierrors.CodeInvalidState, "canary did not pass")}
			}
			if canaryResult.Metrics.PassRate < chCfg.CanaryThreshold {
				return rolloutOrErr{err: apierrors.Conflict(apierrors.CodeInvalidState,
					fmt.Sprintf("canary pass rate %.2f below threshold %.2f", canaryResult.Metrics.PassRate, chCfg.CanaryThreshold))}
			}
		}

		active := 0
		for _, r := range c.rollouts {
			if r.Channel == channel && !r.State.Terminal() {
				active++
			}
		}
		if c.cfg.MaxConcurrentRollouts > 0 && active >= c.cfg.MaxConcurrentRollouts {
			return rolloutOrErr{err: apierrors.Exhausted(apierrors.CodeRolloutLimitExceeded, "max concurrent rollouts reached")}
		}

		now := time.Now().UTC()
		r := domain.Rollout{
			RolloutID:         domain.NewID(),
			TargetBuildID:     build.BuildID,
			Channel:           channel,
			State:             domain.RolloutRollingOut,
			CurrentPercentage: chCfg.RolloutStages[0],
			TargetPercentage:  100,
			StartedAt:         now,
			LastUpdatedAt:     now,
		}
		if canaryResult != nil {
			r.CanaryResultRef = canaryResult.BuildID
		}

		eligible := c.eligibleOrgsLocked(channel)
		r.AffectedOrgs = c.assignOrgsToPercentageLocked(r, eligible, r.CurrentPercentage, nil)

		c.rollouts[r.RolloutID] = r
		c.logEventLocked(r.RolloutID, domain.EventRolloutStarted, fmt.Sprintf("started at %d%%", r.CurrentPercentage))
		c.emit(events.TypeRolloutStarted, r)
		return rolloutOrErr{rollout: r.Clone()}
	}).unwrap()
}

func (c *Controller) eligibleOrgsLocked(channel domain.Channel) []domain.OrgRuntimeConfig {
	if c.orgs == nil {
		return nil
	}
	return c.orgs.EligibleOrgs(context.Background(), channel, false)
}

// assignOrgsToPercentageLocked implements AssignOrgsToPercentage (spec
// §4.3.4 step 5): deterministically grows the assigned-org set to
// ceil(len(eligible) * percentage / 100), recording an assignment entry for
// each newly-added org.
func (c *Controller) assignOrgsToPercentageLocked(r domain.Rollout, eligible []domain.OrgRuntimeConfig, percentage int, previousBuildByOrg map[string]string) []domain.OrgAssignment {
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].OrgID < eligible[j].OrgID })

	already := make(map[string]domain.OrgAssignment, len(r.AffectedOrgs))
	for _, a := range r.AffectedOrgs {
		already[a.OrgID] = a
	}

	target := int(math.Ceil(float64(len(eligible)) * float64(percentage) / 100))
	assignments := append([]domain.OrgAssignment(nil), r.AffectedOrgs...)
	now := time.Now().UTC()
	for _, org := range eligible {
		if len(assignments) >= target {
			break
		}
		if _, done := already[org.OrgID]; done {
			continue
		}
		from := ""
		if previousBuildByOrg != nil {
			from = previousBuildByOrg[org.OrgID]
		} else {
			from = org.PinnedBuildID
		}
		assignments = append(assignments, domain.OrgAssignment{
			OrgID: org.OrgID, From: from, To: r.TargetBuildID, At: now,
		})
		already[org.OrgID] = assignments[len(assignments)-1]
	}
	return assignments
}

// AdvanceRollout moves a rollout to its next configured stage, or completes
// it if already at 100% (spec §4.3.4).
func (c *Controller) AdvanceRollout(_ context.Context, rolloutID string) (domain.Rollout, error) {
	return queue.Submit(c.q, func() rolloutOrErr {
		r, ok := c.rollouts[rolloutID]
		if !ok {
			return rolloutOrErr{err: apierrors.NotFound(apierrors.CodeRolloutNotFound, "rollout not found")}
		}
		chCfg := domain.ChannelConfigs[r.Channel]

		if r.CurrentPercentage >= 100 {
			r.State = domain.RolloutCompleted
			r.LastUpdatedAt = time.Now().UTC()
			c.rollouts[rolloutID] = r
			c.logEventLocked(rolloutID, domain.EventRolloutCompleted, "reached 100%")
			c.emit(events.TypeRolloutCompleted, r)
			return rolloutOrErr{rollout: r.Clone()}
		}

		next := nextStage(chCfg.RolloutStages, r.CurrentPercentage)
		r.CurrentPercentage = next
		r.LastUpdatedAt = time.Now().UTC()
		eligible := c.eligibleOrgsLocked(r.Channel)
		r.AffectedOrgs = c.assignOrgsToPercentageLocked(r, eligible, next, nil)
		c.rollouts[rolloutID] = r
		c.logEventLocked(rolloutID, domain.EventStageAdvanced, fmt.Sprintf("advanced to %d%%", next))
		c.emit(events.TypeStageAdvanced, r)
		return rolloutOrErr{rollout: r.Clone()}
	}).unwrap()
}

func nextStage(stages []int, current int) int {
	for _, s := range stages {
		if s > current {
			return s
		}
	}
	return 100
}

// PauseRollout/ResumeRollout toggle between rolling_out and paused.
func (c *Controller) PauseRollout(_ context.Context, rolloutID string) (domain.Rollout, error) {
	return c.toggleState(rolloutID, domain.RolloutRollingOut, domain.RolloutPaused)
}

func (c *Controller) ResumeRollout(_ context.Context, rolloutID string) (domain.Rollout, error) {
	return c.toggleState(rolloutID, domain.RolloutPaused, domain.RolloutRollingOut)
}

func (c *Controller) toggleState(rolloutID string, require, next domain.RolloutState) (domain.Rollout, error) {
	return queue.Submit(c.q, func() rolloutOrErr {
		r, ok := c.rollouts[rolloutID]
		if !ok {
			return rolloutOrErr{err: apierrors.NotFound(apierrors.CodeRolloutNotFound, "rollout not found")}
		}
		if r.State != require {
			return rolloutOrErr{err: apierrors.Conflict(apierrors.CodeInvalidState, "rollout is not in the required state")}
		}
		r.State = next
		r.LastUpdatedAt = time.Now().UTC()
		c.rollouts[rolloutID] = r
		return rolloutOrErr{rollout: r.Clone()}
	}).unwrap()
}

// Rollback reverts a rollout to 0% and undoes its org assignments (spec
// §4.3.4), permitted from any non-terminal state.
func (c *Controller) Rollback(_ context.Context, rolloutID, reason string) (domain.Rollout, error) {
	return queue.Submit(c.q, func() rolloutOrErr {
		r, ok := c.rollouts[rolloutID]
		if !ok {
			return rolloutOrErr{err: apierrors.NotFound(apierrors.CodeRolloutNotFound, "rollout not found")}
		}
		if r.State.Terminal() {
			return rolloutOrErr{err: apierrors.Conflict(apierrors.CodeInvalidState, "rollout already terminal")}
		}

		c.logEventLocked(rolloutID, domain.EventRollbackInitiated, reason)
		c.emit(events.TypeRollbackInitiated, r)

		reverted := make([]domain.OrgAssignment, 0, len(r.AffectedOrgs))
		for _, a := range r.AffectedOrgs {
			if a.To != r.TargetBuildID {
				reverted = append(reverted, a)
				continue
			}
			if a.From == "" {
				continue // erase the assignment entirely
			}
			reverted = append(reverted, domain.OrgAssignment{OrgID: a.OrgID, From: r.TargetBuildID, To: a.From, At: time.Now().UTC()})
		}
		r.AffectedOrgs = reverted
		r.State = domain.RolloutRolledBack
		r.CurrentPercentage = 0
		r.Error = reason
		r.LastUpdatedAt = time.Now().UTC()
		c.rollouts[rolloutID] = r

		c.logEventLocked(rolloutID, domain.EventRollbackCompleted, reason)
		c.emit(events.TypeRollbackCompleted, r)
		return rolloutOrErr{rollout: r.Clone()}
	}).unwrap()
}

// GetRollout returns a snapshot of one rollout.
func (c *Controller) GetRollout(_ context.Context, rolloutID string) (domain.Rollout, error) {
	return queue.Submit(c.q, func() rolloutOrErr {
		r, ok := c.rollouts[rolloutID]
		if !ok {
			return rolloutOrErr{err: apierrors.NotFound(apierrors.CodeRolloutNotFound, "rollout not found")}
		}
		return rolloutOrErr{rollout: r.Clone()}
	}).unwrap()
}

// ListEvents returns the append-only rollout event log, most recent last.
func (c *Controller) ListEvents(_ context.Context) []domain.RolloutEvent {
	return queue.Submit(c.q, func() []domain.RolloutEvent {
		return append([]domain.RolloutEvent(nil), c.events_...)
	})
}

func (c *Controller) logEventLocked(rolloutID string, typ domain.RolloutEventType, detail string) {
	c.seq++
	c.events_ = append(c.events_, domain.RolloutEvent{
		SeqNo: c.seq, RolloutID: rolloutID, Type: typ, At: time.Now().UTC(), Detail: detail,
	})
	if len(c.events_) > maxEventLog {
		c.events_ = c.events_[len(c.events_)-maxEventLog:]
	}
}

func (c *Controller) emit(typ events.Type, r domain.Rollout) {
	c.sink.Emit(context.Background(), events.Event{Type: typ, Topic: r.RolloutID, At: time.Now().UTC(), Payload: r.Clone()})
}

// CheckAndProgressRollouts runs the automatic progression pass (spec
// §4.3.4): for every rolling_out rollout whose delay has elapsed, collect
// metrics and either wait, roll back, or advance. ProgressionTicker calls it
// periodically; it does nothing unless AutoProgress is enabled and a
// MetricsSource is set.
func (c *Controller) CheckAndProgressRollouts(ctx context.Context) {
	if !c.cfg.AutoProgress || c.metrics == nil {
		return
	}
	for _, r := range c.snapshotRollingOut() {
		chCfg := domain.ChannelConfigs[r.Channel]
		if time.Since(r.LastUpdatedAt) < chCfg.RolloutDelay {
			continue
		}
		m := c.metrics.CollectMetrics(ctx, r.RolloutID)
		if m.SessionsStarted < c.cfg.RollbackThresholds.MinSessionCount {
			continue
		}
		if m.FailureRate > c.cfg.RollbackThresholds.MaxFailureRate || m.DisconnectRate > c.cfg.RollbackThresholds.MaxDisconnectRate {
			reason := fmt.Sprintf("failure_rate=%.2f disconnect_rate=%.2f exceeded thresholds", m.FailureRate, m.DisconnectRate)
			if _, err := c.Rollback(ctx, r.RolloutID, reason); err != nil {
				c.log.WithContext(ctx).WithField("rollout_id", r.RolloutID).WithError(err).Warn("auto rollback failed")
			}
			continue
		}
		if _, err := c.AdvanceRollout(ctx, r.RolloutID); err != nil {
			c.log.WithContext(ctx).WithField("rollout_id", r.RolloutID).WithError(err).Warn("auto advance failed")
		}
	}
}

func (c *Controller) snapshotRollingOut() []domain.Rollout {
	return queue.Submit(c.q, func() []domain.Rollout {
		var out []domain.Rollout
		for _, r := range c.rollouts {
			if r.State == domain.RolloutRollingOut {
				out = append(out, r.Clone())
			}
		}
		return out
	})
}

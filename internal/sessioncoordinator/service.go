package sessioncoordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
)

// Placement is the subset of the Fleet Manager the Coordinator depends on.
// Accepting this narrow interface (rather than *fleetmanager.Manager)
// keeps the two components decoupled across the package boundary.
type Placement interface {
	Select(ctx context.Context, provider domain.ProviderID) (string, bool)
	Assign(ctx context.Context, runnerID, sessionID string) bool
	Release(ctx context.Context, runnerID, sessionID string) bool
	AssignedSessionIDs(ctx context.Context, runnerID string) []string
}

// Config bundles the Session Coordinator's tunables (spec §6).
type Config struct {
	MaxSessionsPerOrg  int
	DefaultTimeout     time.Duration
	SessionDataTTL     time.Duration
	PlacementRetries   int
	RunnerOfflineGrace time.Duration

	// ApprovalGatingRules narrows which RequestApproval calls actually gate
	// a session, per action. When a rule is present for an action, the
	// approval only blocks the session if the jsonpath expression evaluated
	// against ApprovalRequest.Context renders to Equals; otherwise the
	// request is auto-approved and the session keeps running. Actions with
	// no configured rule always gate, matching the previous unconditional
	// behavior.
	ApprovalGatingRules map[domain.ApprovalAction]GatingRule
}

// GatingRule is a jsonpath condition evaluated against an approval request's
// opaque context map (spec §4.1), e.g. a "deploy" action only requiring
// human sign-off when `$.environment == "prod"`.
type GatingRule struct {
	Path   string
	Equals string
}

// matches reports whether rule's jsonpath expression, evaluated against ctx,
// renders to Equals. A missing path or type mismatch is treated as no match.
func (r GatingRule) matches(ctx map[string]any) bool {
	if r.Path == "" {
		return true
	}
	if ctx == nil {
		ctx = map[string]any{}
	}
	val, err := jsonpath.Get(r.Path, ctx)
	if err != nil {
		return false
	}
	return fmt.Sprintf("%v", val) == r.Equals
}

// Coordinator owns the session lifecycle state machine and approval queue.
type Coordinator struct {
	cfg       Config
	store     *store
	placement Placement
	sink      events.Sink
	log       *logging.Logger

	watchdogs *watchdogSet
}

// New constructs a Session Coordinator. sink receives session_created,
// session_state_change, approval_requested, approval_resolved events.
func New(cfg Config, placement Placement, sink events.Sink, log *logging.Logger) *Coordinator {
	if cfg.PlacementRetries <= 0 {
		cfg.PlacementRetries = 3
	}
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("session_coordinator")
	}
	return &Coordinator{
		cfg:       cfg,
		store:     newStore(),
		placement: placement,
		sink:      sink,
		log:       log,
		watchdogs: newWatchdogSet(),
	}
}

func (c *Coordinator) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "session_coordinator",
		Domain:       "sessions",
		Layer:        core.LayerEngine,
		Capabilities: []string{"create", "lifecycle", "approval"},
	}
}

// Create runs admission control and placement, then records a new session
// in CREATED state (spec §4.1 Create). The literal returned state is
// CREATED even though a runner has already been assigned; the
// PREPARING_WORKSPACE transition is driven by the runner's own reported
// progress through UpdateReportedState.
func (c *Coordinator) Create(ctx context.Context, orgID string, provider domain.ProviderID, repo domain.Repo, task string, opts domain.CreateOptions) (domain.Session, error) {
	if !domain.ValidProvider(provider) {
		return domain.Session{}, apierrors.Invalid(apierrors.CodeInvalidProvider, "unknown provider")
	}
	if c.store.countActiveForOrg(orgID) >= c.cfg.MaxSessionsPerOrg {
		return domain.Session{}, apierrors.Exhausted(apierrors.CodeSessionLimitExceeded, "org session limit exceeded")
	}

	sessionID := domain.NewID()
	runnerID, err := c.placeWithRetry(ctx, provider, sessionID)
	if err != nil {
		return domain.Session{}, err
	}

	now := time.Now().UTC()
	sess := domain.Session{
		SessionID: sessionID,
		OrgID:     orgID,
		ProviderID: provider,
		Repo:      repo,
		Task:      task,
		RunnerID:  runnerID,
		StartedAt: now,
		State:     domain.SessionCreated,
	}
	c.store.insert(sess)

	timeout := c.cfg.DefaultTimeout
	if opts.TimeoutMinutes != nil {
		timeout = time.Duration(*opts.TimeoutMinutes) * time.Minute
	}
	c.watchdogs.start(sessionID, timeout, func() { c.onTimeout(sessionID) })

	c.emit(ctx, events.TypeSessionCreated, sessionID, SessionCreatedPayload{
		SessionID: sessionID, OrgID: orgID, RunnerID: runnerID,
	})
	c.log.WithContext(ctx).WithField("session_id", sessionID).WithField("runner_id", runnerID).Info("session created")
	return sess.Clone(), nil
}

// placeWithRetry implements the bounded placement race (spec §5): Select is
// advisory, Assign is authoritative; on Assign race loss, retry Select a
// small bounded number of times before giving up.
func (c *Coordinator) placeWithRetry(ctx context.Context, provider domain.ProviderID, sessionID string) (string, error) {
	for attempt := 0; attempt < c.cfg.PlacementRetries; attempt++ {
		runnerID, ok := c.placement.Select(ctx, provider)
		if !ok {
			return "", apierrors.Exhausted(apierrors.CodeNoCapacity, "no runner capacity available")
		}
		if c.placement.Assign(ctx, runnerID, sessionID) {
			return runnerID, nil
		}
	}
	return "", apierrors.Exhausted(apierrors.CodeNoCapacity, "no runner capacity available")
}

// Get returns a snapshot of one session.
func (c *Coordinator) Get(_ context.Context, sessionID string) (domain.Session, error) {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return domain.Session{}, apierrors.NotFound(apierrors.CodeSessionNotFound, "session not found")
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.s.Clone(), nil
}

// List returns a page of an org's session summaries.
func (c *Coordinator) List(_ context.Context, orgID string, page, pageSize int, stateFilter domain.SessionState) ([]domain.SessionSummary, int) {
	page = max1(page)
	pageSize = core.ClampLimit(pageSize, core.DefaultListLimit, core.MaxListLimit)
	sessions, total := c.store.listByOrg(orgID, page, pageSize, stateFilter)
	summaries := make([]domain.SessionSummary, len(sessions))
	for i, s := range sessions {
		summaries[i] = s.Summarize()
	}
	return summaries, total
}

// Stop terminates a session (spec §4.1). A second Stop call while the first
// is still mid-transition is idempotent and returns the same snapshot.
func (c *Coordinator) Stop(ctx context.Context, sessionID, reason string) (domain.Session, error) {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return domain.Session{}, apierrors.NotFound(apierrors.CodeSessionNotFound, "session not found")
	}

	entry.mu.Lock()
	if entry.s.State == domain.SessionStopping {
		snapshot := entry.s.Clone()
		entry.mu.Unlock()
		return snapshot, nil
	}
	if entry.s.State.Terminal() {
		entry.mu.Unlock()
		return domain.Session{}, apierrors.Conflict(apierrors.CodeSessionAlreadyStopped, "session already stopped")
	}

	entry.s.State = domain.SessionStopping
	if reason != "" {
		entry.s.StopReason = reason
	}
	runnerID := entry.s.RunnerID
	entry.s.State = domain.SessionCompleted
	now := time.Now().UTC()
	entry.s.CompletedAt = &now
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	c.watchdogs.cancel(sessionID)
	if runnerID != "" {
		c.placement.Release(ctx, runnerID, sessionID)
	}
	c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{
		SessionID: sessionID, State: domain.SessionCompleted,
	})
	return snapshot, nil
}

// Pause requires RUNNING and transitions to PAUSED_BY_HUMAN.
func (c *Coordinator) Pause(ctx context.Context, sessionID string) (domain.Session, error) {
	return c.transition(ctx, sessionID, domain.SessionRunning, domain.SessionPausedByHuman)
}

// Resume requires PAUSED_BY_HUMAN and transitions to RUNNING.
func (c *Coordinator) Resume(ctx context.Context, sessionID string) (domain.Session, error) {
	return c.transition(ctx, sessionID, domain.SessionPausedByHuman, domain.SessionRunning)
}

func (c *Coordinator) transition(ctx context.Context, sessionID string, require, next domain.SessionState) (domain.Session, error) {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return domain.Session{}, apierrors.NotFound(apierrors.CodeSessionNotFound, "session not found")
	}
	entry.mu.Lock()
	if entry.s.State != require {
		state := entry.s.State
		entry.mu.Unlock()
		return domain.Session{}, apierrors.Conflict(apierrors.CodeInvalidState, "invalid state for this operation").
			WithDetails("current_state", string(state)).WithDetails("required_state", string(require))
	}
	entry.s.State = next
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{SessionID: sessionID, State: next})
	return snapshot, nil
}

// RequestApproval appends a pending approval (spec §4.1). If the session is
// currently RUNNING it transitions to WAITING_FOR_APPROVAL.
func (c *Coordinator) RequestApproval(ctx context.Context, sessionID string, action domain.ApprovalAction, description string, approvalCtx map[string]any) (domain.ApprovalRequest, error) {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return domain.ApprovalRequest{}, apierrors.NotFound(apierrors.CodeSessionNotFound, "session not found")
	}

	req := domain.ApprovalRequest{
		ApprovalID:  domain.NewID(),
		SessionID:   sessionID,
		Action:      action,
		Description: description,
		RequestedAt: time.Now().UTC(),
		Context:     approvalCtx,
	}

	if rule, ok := c.cfg.ApprovalGatingRules[action]; ok && !rule.matches(approvalCtx) {
		c.emit(ctx, events.TypeApprovalResolved, sessionID, ApprovalResolvedPayload{
			SessionID: sessionID, ApprovalID: req.ApprovalID, Decision: domain.DecisionAutoApproved,
			Reason: "gating rule did not match",
		})
		return req, nil
	}

	entry.mu.Lock()
	entry.s.PendingApprovals = append(entry.s.PendingApprovals, req)
	wasRunning := entry.s.State == domain.SessionRunning
	if wasRunning {
		entry.s.State = domain.SessionWaitingForApproval
	}
	entry.mu.Unlock()

	if wasRunning {
		c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{SessionID: sessionID, State: domain.SessionWaitingForApproval})
	}
	c.emit(ctx, events.TypeApprovalRequested, sessionID, req)
	return req, nil
}

// ResolveApproval removes the named approval; if the pending list becomes
// empty and the session is WAITING_FOR_APPROVAL, it returns to RUNNING. The
// decision itself is forwarded as an event only — it does not otherwise
// change control-plane state.
func (c *Coordinator) ResolveApproval(ctx context.Context, sessionID, approvalID string, decision domain.ApprovalDecision, reason string) (domain.Session, error) {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return domain.Session{}, apierrors.NotFound(apierrors.CodeSessionNotFound, "session not found")
	}

	entry.mu.Lock()
	idx := -1
	for i, a := range entry.s.PendingApprovals {
		if a.ApprovalID == approvalID {
			idx = i
			break
		}
	}
	if idx == -1 {
		entry.mu.Unlock()
		return domain.Session{}, apierrors.NotFound(apierrors.CodeApprovalNotFound, "approval not found")
	}
	entry.s.PendingApprovals = append(entry.s.PendingApprovals[:idx], entry.s.PendingApprovals[idx+1:]...)
	resumed := len(entry.s.PendingApprovals) == 0 && entry.s.State == domain.SessionWaitingForApproval
	if resumed {
		entry.s.State = domain.SessionRunning
	}
	snapshot := entry.s.Clone()
	entry.mu.Unlock()

	c.emit(ctx, events.TypeApprovalResolved, sessionID, ApprovalResolvedPayload{
		SessionID: sessionID, ApprovalID: approvalID, Decision: decision, Reason: reason,
	})
	if resumed {
		c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{SessionID: sessionID, State: domain.SessionRunning})
	}
	return snapshot, nil
}

// UpdateReportedState applies a runner-reported state transition. Unknown
// sessions are silently ignored, per spec §4.1.
func (c *Coordinator) UpdateReportedState(ctx context.Context, sessionID string, state domain.SessionState) error {
	entry, ok := c.store.get(sessionID)
	if !ok {
		c.log.WithContext(ctx).WithField("session_id", sessionID).Debug("reported state for unknown session ignored")
		return nil
	}

	entry.mu.Lock()
	entry.s.State = state
	runnerID := entry.s.RunnerID
	var becameTerminal bool
	if state.Terminal() && entry.s.CompletedAt == nil {
		now := time.Now().UTC()
		entry.s.CompletedAt = &now
		becameTerminal = true
	}
	entry.mu.Unlock()

	if becameTerminal {
		c.watchdogs.cancel(sessionID)
		if runnerID != "" {
			c.placement.Release(ctx, runnerID, sessionID)
		}
	}
	c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{SessionID: sessionID, State: state})
	return nil
}

// UpdateReportedUsage applies a monotonic usage delta (invariant I4).
// Unknown sessions are silently ignored.
func (c *Coordinator) UpdateReportedUsage(_ context.Context, sessionID string, delta domain.Usage) error {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	entry.s.Usage = entry.s.Usage.Add(delta)
	entry.mu.Unlock()
	return nil
}

// onTimeout is the per-session watchdog callback (spec §5): fires
// TIMED_OUT and detaches the session from its runner.
func (c *Coordinator) onTimeout(sessionID string) {
	entry, ok := c.store.get(sessionID)
	if !ok {
		return
	}
	entry.mu.Lock()
	if entry.s.State.Terminal() {
		entry.mu.Unlock()
		return
	}
	entry.s.State = domain.SessionTimedOut
	entry.s.StopReason = "session timeout"
	now := time.Now().UTC()
	entry.s.CompletedAt = &now
	runnerID := entry.s.RunnerID
	entry.mu.Unlock()

	ctx := context.Background()
	if runnerID != "" {
		c.placement.Release(ctx, runnerID, sessionID)
	}
	c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{SessionID: sessionID, State: domain.SessionTimedOut})
}

// FailSessionsForRunner marks every still-active session assigned to
// runnerID as FAILED with reason "runner offline" (spec §5: a runner that
// stays offline past its grace window fails over its sessions).
func (c *Coordinator) FailSessionsForRunner(ctx context.Context, runnerID string) {
	for _, sessionID := range c.placement.AssignedSessionIDs(ctx, runnerID) {
		entry, ok := c.store.get(sessionID)
		if !ok {
			continue
		}
		entry.mu.Lock()
		if entry.s.State.Terminal() {
			entry.mu.Unlock()
			continue
		}
		entry.s.State = domain.SessionFailed
		entry.s.StopReason = "runner offline"
		now := time.Now().UTC()
		entry.s.CompletedAt = &now
		entry.mu.Unlock()

		c.watchdogs.cancel(sessionID)
		c.placement.Release(ctx, runnerID, sessionID)
		c.emit(ctx, events.TypeSessionStateChange, sessionID, StateChangePayload{SessionID: sessionID, State: domain.SessionFailed})
	}
}

// PurgeExpired deletes terminal sessions whose completedAt is older than
// SessionDataTTL (logical garbage collection; spec §3 Session lifecycle).
func (c *Coordinator) PurgeExpired(_ context.Context) int {
	if c.cfg.SessionDataTTL <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().Add(-c.cfg.SessionDataTTL)
	purged := 0
	for _, s := range c.store.snapshotAll() {
		if s.State.Terminal() && s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
			c.store.remove(s.SessionID, s.OrgID)
			purged++
		}
	}
	return purged
}

func (c *Coordinator) emit(ctx context.Context, typ events.Type, topic string, payload any) {
	c.sink.Emit(ctx, events.Event{Type: typ, Topic: topic, At: time.Now().UTC(), Payload: payload})
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// SessionCreatedPayload is the payload of a session_created event.
type SessionCreatedPayload struct {
	SessionID string
	OrgID     string
	RunnerID  string
}

// StateChangePayload is the payload of a session_state_change event.
type StateChangePayload struct {
	SessionID string
	State     domain.SessionState
}

// ApprovalResolvedPayload is the payload of an approval_resolved event.
type ApprovalResolvedPayload struct {
	SessionID  string
	ApprovalID string
	Decision   domain.ApprovalDecision
	Reason     string
}

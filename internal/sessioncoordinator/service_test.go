package sessioncoordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
)

// fakePlacement is a single-runner stand-in for the Fleet Manager, enough to
// exercise the Coordinator's admission control and assignment release paths
// without depending on the fleetmanager package.
type fakePlacement struct {
	mu          sync.Mutex
	runnerID    string
	capacity    int
	assigned    map[string]struct{}
	selectFails bool
}

func newFakePlacement(capacity int) *fakePlacement {
	return &fakePlacement{runnerID: "runner-1", capacity: capacity, assigned: make(map[string]struct{})}
}

func (f *fakePlacement) Select(_ context.Context, _ domain.ProviderID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectFails || len(f.assigned) >= f.capacity {
		return "", false
	}
	return f.runnerID, true
}

func (f *fakePlacement) Assign(_ context.Context, runnerID, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runnerID != f.runnerID || len(f.assigned) >= f.capacity {
		return false
	}
	f.assigned[sessionID] = struct{}{}
	return true
}

func (f *fakePlacement) Release(_ context.Context, runnerID, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runnerID != f.runnerID {
		return false
	}
	if _, ok := f.assigned[sessionID]; !ok {
		return false
	}
	delete(f.assigned, sessionID)
	return true
}

func (f *fakePlacement) AssignedSessionIDs(_ context.Context, runnerID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if runnerID != f.runnerID {
		return nil
	}
	ids := make([]string, 0, len(f.assigned))
	for id := range f.assigned {
		ids = append(ids, id)
	}
	return ids
}

func testCoordinator(capacity int) (*Coordinator, *fakePlacement) {
	placement := newFakePlacement(capacity)
	cfg := Config{MaxSessionsPerOrg: 5, DefaultTimeout: time.Hour, PlacementRetries: 3}
	return New(cfg, placement, nil, nil), placement
}

func testRepo() domain.Repo {
	return domain.Repo{URL: "https://example.com/x", Branch: "main"}
}

func TestCreateThenStop(t *testing.T) {
	c, placement := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCreated, sess.State)
	assert.NotEmpty(t, sess.RunnerID)
	assert.Len(t, placement.assigned, 1)

	stopped, err := c.Stop(context.Background(), sess.SessionID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, stopped.State)
	require.NotNil(t, stopped.CompletedAt)
	assert.Empty(t, placement.assigned)
}

func TestStopIsErrorWhenAlreadyTerminal(t *testing.T) {
	c, _ := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)
	_, err = c.Stop(context.Background(), sess.SessionID, "")
	require.NoError(t, err)

	_, err = c.Stop(context.Background(), sess.SessionID, "")
	require.Error(t, err)
	se, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeSessionAlreadyStopped, se.Code)
}

func TestOrgLimitBoundary(t *testing.T) {
	c, _ := testCoordinator(10)
	var lastID string
	for i := 0; i < 5; i++ {
		sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
		require.NoError(t, err)
		lastID = sess.SessionID
	}

	_, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.Error(t, err)
	se, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeSessionLimitExceeded, se.Code)

	_, err = c.Stop(context.Background(), lastID, "")
	require.NoError(t, err)

	_, err = c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	assert.NoError(t, err, "after a Stop frees a slot, Create should succeed again")
}

func TestNoCapacityWhenPlacementExhausted(t *testing.T) {
	c, _ := testCoordinator(0)
	_, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.Error(t, err)
	se, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeNoCapacity, se.Code)
}

func TestApprovalRoundTrip(t *testing.T) {
	c, _ := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, c.UpdateReportedState(context.Background(), sess.SessionID, domain.SessionRunning))

	reqA, err := c.RequestApproval(context.Background(), sess.SessionID, domain.ActionMerge, "merge pr", nil)
	require.NoError(t, err)
	mid, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionWaitingForApproval, mid.State)

	reqB, err := c.RequestApproval(context.Background(), sess.SessionID, domain.ActionDeploy, "deploy", nil)
	require.NoError(t, err)

	_, err = c.ResolveApproval(context.Background(), sess.SessionID, reqA.ApprovalID, domain.DecisionAllow, "")
	require.NoError(t, err)
	stillWaiting, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionWaitingForApproval, stillWaiting.State, "still one pending approval")

	final, err := c.ResolveApproval(context.Background(), sess.SessionID, reqB.ApprovalID, domain.DecisionAllow, "")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, final.State)
	assert.Empty(t, final.PendingApprovals)
}

func TestRequestApprovalGatingRuleAutoApprovesNonMatchingContext(t *testing.T) {
	placement := newFakePlacement(5)
	cfg := Config{
		MaxSessionsPerOrg: 5, DefaultTimeout: time.Hour, PlacementRetries: 3,
		ApprovalGatingRules: map[domain.ApprovalAction]GatingRule{
			domain.ActionDeploy: {Path: "$.environment", Equals: "prod"},
		},
	}
	c := New(cfg, placement, nil, nil)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, c.UpdateReportedState(context.Background(), sess.SessionID, domain.SessionRunning))

	_, err = c.RequestApproval(context.Background(), sess.SessionID, domain.ActionDeploy, "deploy to staging",
		map[string]any{"environment": "staging"})
	require.NoError(t, err)

	got, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, got.State, "non-matching context must not gate the session")
	assert.Empty(t, got.PendingApprovals)
}

func TestRequestApprovalGatingRuleGatesMatchingContext(t *testing.T) {
	placement := newFakePlacement(5)
	cfg := Config{
		MaxSessionsPerOrg: 5, DefaultTimeout: time.Hour, PlacementRetries: 3,
		ApprovalGatingRules: map[domain.ApprovalAction]GatingRule{
			domain.ActionDeploy: {Path: "$.environment", Equals: "prod"},
		},
	}
	c := New(cfg, placement, nil, nil)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, c.UpdateReportedState(context.Background(), sess.SessionID, domain.SessionRunning))

	_, err = c.RequestApproval(context.Background(), sess.SessionID, domain.ActionDeploy, "deploy to prod",
		map[string]any{"environment": "prod"})
	require.NoError(t, err)

	got, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionWaitingForApproval, got.State, "matching context must gate the session")
	assert.Len(t, got.PendingApprovals, 1)
}

func TestResolveApprovalUnknownReturnsNotFound(t *testing.T) {
	c, _ := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	_, err = c.ResolveApproval(context.Background(), sess.SessionID, "nope", domain.DecisionAllow, "")
	require.Error(t, err)
	se, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeApprovalNotFound, se.Code)
}

func TestPauseResumeRoundTrip(t *testing.T) {
	c, _ := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, c.UpdateReportedState(context.Background(), sess.SessionID, domain.SessionRunning))

	paused, err := c.Pause(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPausedByHuman, paused.State)

	resumed, err := c.Resume(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, resumed.State)
}

func TestPauseRequiresRunning(t *testing.T) {
	c, _ := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	_, err = c.Pause(context.Background(), sess.SessionID)
	require.Error(t, err)
	se, ok := apierrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apierrors.CodeInvalidState, se.Code)
}

func TestUpdateReportedStateToTerminalReleasesRunner(t *testing.T) {
	c, placement := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, c.UpdateReportedState(context.Background(), sess.SessionID, domain.SessionFailed))
	got, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, got.State)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, placement.assigned)
}

func TestUpdateReportedStateUnknownSessionIgnored(t *testing.T) {
	c, _ := testCoordinator(5)
	assert.NoError(t, c.UpdateReportedState(context.Background(), "nope", domain.SessionRunning))
}

func TestFailSessionsForRunner(t *testing.T) {
	c, placement := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	c.FailSessionsForRunner(context.Background(), placement.runnerID)
	got, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, got.State)
	assert.Equal(t, "runner offline", got.StopReason)
	assert.Empty(t, placement.assigned)
}

func TestSessionWatchdogFiresTimedOut(t *testing.T) {
	placement := newFakePlacement(5)
	cfg := Config{MaxSessionsPerOrg: 5, DefaultTimeout: 20 * time.Millisecond, PlacementRetries: 3}
	c := New(cfg, placement, nil, nil)

	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, gerr := c.Get(context.Background(), sess.SessionID)
		return gerr == nil && got.State == domain.SessionTimedOut
	}, time.Second, 10*time.Millisecond)
}

func TestOfflineFailoverIgnoresUnrecognizedPayload(t *testing.T) {
	c, placement := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	failover := NewOfflineFailover(c, 20*time.Millisecond)
	failover.Emit(context.Background(), events.Event{
		Type:    events.TypeRunnerOffline,
		Payload: fakeRunnerOffline{RunnerID: placement.runnerID},
	})

	// The payload type doesn't match fleetmanager.RunnerOffline, so this must
	// be a no-op; assert the session is unaffected shortly after.
	time.Sleep(50 * time.Millisecond)
	got, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCreated, got.State)
}

type fakeRunnerOffline struct {
	RunnerID string
}

func TestOfflineFailoverFailsSessionsOnRealPayload(t *testing.T) {
	c, placement := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	failover := NewOfflineFailover(c, 20*time.Millisecond)
	failover.Emit(context.Background(), events.Event{
		Type:    events.TypeRunnerOffline,
		Payload: fleetmanager.RunnerOffline{RunnerID: placement.runnerID},
	})

	require.Eventually(t, func() bool {
		got, gerr := c.Get(context.Background(), sess.SessionID)
		return gerr == nil && got.State == domain.SessionFailed
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, placement.assigned)
}

func TestOfflineFailoverCancelledByRunnerOnlineBeforeGrace(t *testing.T) {
	c, placement := testCoordinator(5)
	sess, err := c.Create(context.Background(), "o1", domain.ProviderCodex, testRepo(), "", domain.CreateOptions{})
	require.NoError(t, err)

	failover := NewOfflineFailover(c, 40*time.Millisecond)
	failover.Emit(context.Background(), events.Event{
		Type:    events.TypeRunnerOffline,
		Payload: fleetmanager.RunnerOffline{RunnerID: placement.runnerID},
	})
	failover.Emit(context.Background(), events.Event{
		Type:    events.TypeRunnerOnline,
		Payload: fleetmanager.RunnerOnline{RunnerID: placement.runnerID},
	})

	time.Sleep(80 * time.Millisecond)
	got, err := c.Get(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCreated, got.State)
}

package canary

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/r3e-network/fleetctl/internal/domain"
)

type fakeExecutor struct {
	outcomes map[string]CaseOutcome
	calls    atomic.Int32
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, tc domain.TestCase) CaseOutcome {
	f.calls.Add(1)
	return f.outcomes[tc.CaseID]
}

func suiteWithCases(cases ...domain.TestCase) domain.Suite {
	return domain.Suite{Name: "s", Cases: cases, TimeoutMs: 5000}
}

func TestRunSuiteAllPassed(t *testing.T) {
	exec := &fakeExecutor{outcomes: map[string]CaseOutcome{
		"c1": {Passed: true, ResponseJSON: `{"ok":true}`},
		"c2": {Passed: true},
	}}
	r := New(Config{MaxConcurrency: 4, DefaultTimeout: time.Second, ContinueOnFailure: true}, exec, 100)

	result := r.RunSuite(context.Background(), "b1", suiteWithCases(
		domain.TestCase{CaseID: "c1"},
		domain.TestCase{CaseID: "c2"},
	))

	assert.Equal(t, domain.CanaryStatusPassed, result.Status)
	assert.Equal(t, 2, result.Metrics.Passed)
	assert.Equal(t, 2, result.Metrics.TotalTests)
}

func TestRunSuiteAssertionFailureFailsCase(t *testing.T) {
	exec := &fakeExecutor{outcomes: map[string]CaseOutcome{
		"c1": {Passed: true, ResponseJSON: `{"status":"degraded"}`},
	}}
	r := New(Config{MaxConcurrency: 4, DefaultTimeout: time.Second, ContinueOnFailure: true}, exec, 100)

	result := r.RunSuite(context.Background(), "b1", suiteWithCases(
		domain.TestCase{CaseID: "c1", AssertPath: "status", AssertEquals: "ok"},
	))

	assert.Equal(t, domain.CanaryStatusFailed, result.Status)
	assert.Equal(t, domain.CaseStatusFailed, result.Cases[0].Status)
}

func TestRunSuiteRetriesTransientThenPasses(t *testing.T) {
	var attempt atomic.Int32
	exec := &fakeExecutor{}
	executor := CaseExecutor(executorFunc(func(_ context.Context, _ string, tc domain.TestCase) CaseOutcome {
		exec.calls.Add(1)
		n := attempt.Add(1)
		if n == 1 {
			return CaseOutcome{Transient: true, Err: errors.New("timeout dialing runner")}
		}
		return CaseOutcome{Passed: true}
	}))
	r := New(Config{MaxConcurrency: 2, DefaultTimeout: time.Second, RetryCount: 2, ContinueOnFailure: true}, executor, 100)

	result := r.RunSuite(context.Background(), "b1", suiteWithCases(domain.TestCase{CaseID: "c1"}))

	assert.Equal(t, domain.CanaryStatusPassed, result.Status)
	assert.Equal(t, 2, result.Cases[0].Attempts)
}

func TestRunSuiteErroredCaseMakesSuiteMostSevere(t *testing.T) {
	exec := &fakeExecutor{outcomes: map[string]CaseOutcome{
		"c1": {Passed: true},
		"c2": {Err: errors.New("boom")},
	}}
	r := New(Config{MaxConcurrency: 4, DefaultTimeout: time.Second, ContinueOnFailure: true}, exec, 100)

	result := r.RunSuite(context.Background(), "b1", suiteWithCases(
		domain.TestCase{CaseID: "c1"},
		domain.TestCase{CaseID: "c2"},
	))

	assert.Equal(t, domain.CanaryStatusErrored, result.Status)
}

func TestRunSuiteTimeoutPropagatesToSuiteStatus(t *testing.T) {
	exec := CaseExecutor(executorFunc(func(ctx context.Context, _ string, _ domain.TestCase) CaseOutcome {
		<-ctx.Done()
		return CaseOutcome{Timeout: true}
	}))
	r := New(Config{MaxConcurrency: 4, DefaultTimeout: time.Second, ContinueOnFailure: true}, exec, 100)

	result := r.RunSuite(context.Background(), "b1", domain.Suite{
		Name:      "s",
		Cases:     []domain.TestCase{{CaseID: "c1"}},
		TimeoutMs: 20,
	})

	assert.Equal(t, domain.CanaryStatusTimeout, result.Status)
}

func TestRunSuiteAbortsRemainingOnFailureWhenContinueOnFailureDisabled(t *testing.T) {
	var started atomic.Int32
	exec := CaseExecutor(executorFunc(func(ctx context.Context, _ string, tc domain.TestCase) CaseOutcome {
		started.Add(1)
		if tc.CaseID == "c1" {
			return CaseOutcome{Passed: false}
		}
		select {
		case <-ctx.Done():
			return CaseOutcome{}
		case <-time.After(2 * time.Second):
			return CaseOutcome{Passed: true}
		}
	}))
	r := New(Config{MaxConcurrency: 4, DefaultTimeout: 5 * time.Second, ContinueOnFailure: false}, exec, 100)

	result := r.RunSuite(context.Background(), "b1", suiteWithCases(
		domain.TestCase{CaseID: "c1"},
		domain.TestCase{CaseID: "c2"},
	))

	assert.NotEqual(t, domain.CanaryStatusPassed, result.Status)
}

type executorFunc func(ctx context.Context, buildID string, tc domain.TestCase) CaseOutcome

func (f executorFunc) Execute(ctx context.Context, buildID string, tc domain.TestCase) CaseOutcome {
	return f(ctx, buildID, tc)
}

// Package canary implements the Canary Runner (spec §4.3.2): it executes
// suites of test cases against a candidate Build, aggregates per-suite
// metrics, and derives a most-severe-wins overall status.
package canary

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
)

// Config bundles the canary runner's tunables (spec §6).
type Config struct {
	MaxConcurrency    int
	DefaultTimeout    time.Duration
	RetryCount        int
	ContinueOnFailure bool
}

// CaseOutcome is what a CaseExecutor reports for one attempt at a test case.
// ResponseJSON is opaque assertion data from the runner under test; the
// Canary Runner never interprets it beyond the case's configured gjson path.
type CaseOutcome struct {
	Passed       bool
	Timeout      bool
	Transient    bool
	ResponseJSON string
	Err          error
}

// CaseExecutor runs one test case attempt against a candidate build. Actual
// session execution happens on a runner (a black box, per scope); this
// interface is the seam an integration harness plugs into.
type CaseExecutor interface {
	Execute(ctx context.Context, buildID string, tc domain.TestCase) CaseOutcome
}

// Runner executes canary suites with bounded concurrency and per-case retry.
type Runner struct {
	cfg      Config
	executor CaseExecutor
	limiter  *rate.Limiter
	sem      chan struct{}
}

// New constructs a canary Runner. ratePerSecond paces case starts in
// addition to the hard maxConcurrency cap, so a burst of fast cases doesn't
// saturate the runner fleet under test.
func New(cfg Config, executor CaseExecutor, ratePerSecond float64) *Runner {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	if ratePerSecond <= 0 {
		ratePerSecond = float64(cfg.MaxConcurrency)
	}
	return &Runner{
		cfg:      cfg,
		executor: executor,
		limiter:  rate.NewLimiter(rate.Limit(ratePerSecond), cfg.MaxConcurrency),
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

// RunSuite executes every case in suite against buildID under suite's
// deadline and returns the aggregated result (spec §4.3.2 algorithm).
func (r *Runner) RunSuite(ctx context.Context, buildID string, suite domain.Suite) domain.CanaryResult {
	start := time.Now().UTC()
	deadline := time.Duration(suite.TimeoutMs) * time.Millisecond
	if deadline <= 0 {
		deadline = r.cfg.DefaultTimeout
	}
	suiteCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	workCtx, abort := context.WithCancel(suiteCtx)
	defer abort()
	var abortOnce sync.Once

	results := make([]domain.CaseResult, len(suite.Cases))
	var wg sync.WaitGroup
	for i, tc := range suite.Cases {
		i, tc := i, tc
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runCase(workCtx, buildID, tc, &results[i])
			if !r.cfg.ContinueOnFailure && results[i].Status != domain.CaseStatusPassed {
				abortOnce.Do(abort)
			}
		}()
	}
	wg.Wait()

	metrics := aggregate(results)
	status := overallStatus(results, suiteCtx.Err() != nil)
	return domain.CanaryResult{
		BuildID:   buildID,
		Status:    status,
		Metrics:   metrics,
		Cases:     results,
		StartedAt: start,
		EndedAt:   time.Now().UTC(),
	}
}

func (r *Runner) runCase(ctx context.Context, buildID string, tc domain.TestCase, out *domain.CaseResult) {
	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		*out = domain.CaseResult{CaseID: tc.CaseID, Status: cancelStatus(ctx)}
		return
	}
	if err := r.limiter.Wait(ctx); err != nil {
		*out = domain.CaseResult{CaseID: tc.CaseID, Status: cancelStatus(ctx)}
		return
	}

	attempts := r.cfg.RetryCount + 1
	caseStart := time.Now()
	var outcome CaseOutcome
	var usedAttempts int

	shouldRetry := func(err error) bool { return outcome.Timeout || outcome.Transient }
	_ = core.Retry(ctx, core.RetryPolicy{Attempts: attempts, InitialBackoff: 50 * time.Millisecond, Multiplier: 2, MaxBackoff: time.Second},
		shouldRetry, func() error {
			usedAttempts++
			outcome = r.executor.Execute(ctx, buildID, tc)
			if outcome.Passed {
				return nil
			}
			if outcome.Err != nil {
				return outcome.Err
			}
			return errFailed
		})

	*out = domain.CaseResult{
		CaseID:     tc.CaseID,
		Status:     classify(tc, outcome),
		Attempts:   usedAttempts,
		DurationMs: time.Since(caseStart).Milliseconds(),
	}
	if outcome.Err != nil {
		out.Error = outcome.Err.Error()
	}
}

func cancelStatus(ctx context.Context) domain.CanaryCaseStatus {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.CaseStatusTimeout
	}
	return domain.CaseStatusSkipped
}

var errFailed = caseFailedError{}

type caseFailedError struct{}

func (caseFailedError) Error() string { return "case assertion failed" }

func classify(tc domain.TestCase, outcome CaseOutcome) domain.CanaryCaseStatus {
	if outcome.Timeout {
		return domain.CaseStatusTimeout
	}
	if outcome.Err != nil && !outcome.Passed {
		return domain.CaseStatusErrored
	}
	if !assertionHolds(tc, outcome) {
		return domain.CaseStatusFailed
	}
	if !outcome.Passed {
		return domain.CaseStatusFailed
	}
	return domain.CaseStatusPassed
}

func assertionHolds(tc domain.TestCase, outcome CaseOutcome) bool {
	if tc.AssertPath == "" {
		return true
	}
	return gjson.Get(outcome.ResponseJSON, tc.AssertPath).String() == tc.AssertEquals
}

func aggregate(results []domain.CaseResult) domain.CanaryMetrics {
	m := domain.CanaryMetrics{TotalTests: len(results)}
	var totalDuration int64
	for _, res := range results {
		switch res.Status {
		case domain.CaseStatusPassed:
			m.Passed++
		case domain.CaseStatusSkipped:
			m.Skipped++
		case domain.CaseStatusErrored:
			m.Errored++
		default:
			m.Failed++
		}
		totalDuration += res.DurationMs
	}
	if m.TotalTests > 0 {
		m.PassRate = float64(m.Passed) / float64(m.TotalTests)
		m.AvgSessionStartMs = float64(totalDuration) / float64(m.TotalTests)
	}
	return m
}

func overallStatus(results []domain.CaseResult, deadlineExceeded bool) domain.CanaryRunStatus {
	worst := domain.CaseStatusPassed
	for _, res := range results {
		if domain.MoreSevere(res.Status, worst) {
			worst = res.Status
		}
	}
	if deadlineExceeded {
		worst = domain.CaseStatusTimeout
	}
	switch worst {
	case domain.CaseStatusTimeout:
		return domain.CanaryStatusTimeout
	case domain.CaseStatusErrored:
		return domain.CanaryStatusErrored
	case domain.CaseStatusFailed:
		return domain.CanaryStatusFailed
	default:
		return domain.CanaryStatusPassed
	}
}

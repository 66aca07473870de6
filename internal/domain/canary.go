package domain

import "time"

// CanaryCaseStatus is the per-test-case outcome; suite status is the most
// severe case status across the suite (spec §4.3.2).
type CanaryCaseStatus string

const (
	CaseStatusPassed  CanaryCaseStatus = "passed"
	CaseStatusFailed  CanaryCaseStatus = "failed"
	CaseStatusErrored CanaryCaseStatus = "errored"
	CaseStatusTimeout CanaryCaseStatus = "timeout"
	CaseStatusSkipped CanaryCaseStatus = "skipped"
)

// severity orders case/suite statuses for "most severe wins" aggregation:
// timeout > error > failed > passed.
var severity = map[CanaryCaseStatus]int{
	CaseStatusPassed:  0,
	CaseStatusSkipped: 0,
	CaseStatusFailed:  1,
	CaseStatusErrored: 2,
	CaseStatusTimeout: 3,
}

// MoreSevere reports whether a outranks b in the passed < failed < errored <
// timeout ordering.
func MoreSevere(a, b CanaryCaseStatus) bool {
	return severity[a] > severity[b]
}

// TestCase is one canary assertion scoped to a set of applicable providers.
// AssertPath/AssertEquals, when AssertPath is non-empty, name a gjson path
// into the executor's response JSON and the value expected there; a
// mismatch fails the case independently of the executor's own verdict.
type TestCase struct {
	CaseID      string
	Suite       string
	Name        string
	Providers   []ProviderID
	TimeoutMs   int64
	AssertPath   string
	AssertEquals string
}

// Suite is a named collection of test cases with an overall deadline.
type Suite struct {
	Name      string
	Cases     []TestCase
	TimeoutMs int64
}

// DefaultSuiteNames lists the canary runner's default suites (spec §4.3.2).
var DefaultSuiteNames = []string{"adapter_contract", "golden_path", "approval_gate", "metering"}

// CaseResult is the outcome of one executed test case.
type CaseResult struct {
	CaseID    string
	Status    CanaryCaseStatus
	Attempts  int
	DurationMs int64
	Error     string
}

// CanaryMetrics aggregates case results for a suite run.
type CanaryMetrics struct {
	TotalTests               int
	Passed                   int
	Failed                   int
	Errored                  int
	Skipped                  int
	PassRate                 float64
	AvgSessionStartMs        float64
	AvgTimeToFirstOutputMs   float64
	DisconnectRate           float64
}

// CanaryRunStatus is the overall suite-run outcome.
type CanaryRunStatus string

const (
	CanaryStatusPassed  CanaryRunStatus = "passed"
	CanaryStatusFailed  CanaryRunStatus = "failed"
	CanaryStatusErrored CanaryRunStatus = "errored"
	CanaryStatusTimeout CanaryRunStatus = "timeout"
)

// CanaryResult is the full outcome of running one or more suites against a
// candidate build.
type CanaryResult struct {
	BuildID   string
	Status    CanaryRunStatus
	Metrics   CanaryMetrics
	Cases     []CaseResult
	StartedAt time.Time
	EndedAt   time.Time
}

package adapters

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/canary"
)

// CaseExecutor implements canary.CaseExecutor by dispatching each test case
// to an external execution backend (e.g. a dedicated canary runner fleet)
// over HTTP and reporting whatever it returns. The canary runner package
// never inspects ResponseJSON itself beyond the case's own gjson assertion,
// so this adapter only needs to relay the response body.
type CaseExecutor struct {
	client *httpClient
}

// NewCaseExecutor builds a CaseExecutor targeting baseURL's /canary/execute
// endpoint.
func NewCaseExecutor(baseURL string, timeout time.Duration) *CaseExecutor {
	return &CaseExecutor{client: newHTTPClient(baseURL, timeout)}
}

type caseExecuteRequest struct {
	BuildID string          `json:"buildID"`
	Case    domain.TestCase `json:"case"`
}

// Execute runs one case attempt against buildID.
func (e *CaseExecutor) Execute(ctx context.Context, buildID string, tc domain.TestCase) canary.CaseOutcome {
	timeout := time.Duration(tc.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := e.client.postJSON(execCtx, "/canary/execute", caseExecuteRequest{BuildID: buildID, Case: tc})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return canary.CaseOutcome{Timeout: true, Err: err}
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return canary.CaseOutcome{Timeout: true, Err: err}
		}
		return canary.CaseOutcome{Transient: true, Err: err}
	}
	return canary.CaseOutcome{Passed: true, ResponseJSON: body}
}

package adapters

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3e-network/fleetctl/internal/domain"
)

// RepoSweeper implements sweep.RepoSweeper by dispatching one repo's sweep
// to an external execution backend over HTTP, the same dispatch shape as
// CaseExecutor.
type RepoSweeper struct {
	client *httpClient
}

// NewRepoSweeper builds a RepoSweeper targeting baseURL's /sweep/execute
// endpoint.
func NewRepoSweeper(baseURL string, timeout time.Duration) *RepoSweeper {
	return &RepoSweeper{client: newHTTPClient(baseURL, timeout)}
}

type sweepExecuteRequest struct {
	Build  domain.Build       `json:"build"`
	Repo   domain.RepoRef     `json:"repo"`
	Config domain.SweepConfig `json:"config"`
}

// SweepRepo runs the sweep for one repo and parses the backend's outcome.
func (s *RepoSweeper) SweepRepo(ctx context.Context, build domain.Build, repo domain.RepoRef, cfg domain.SweepConfig) domain.RepoResult {
	body, err := s.client.postJSON(ctx, "/sweep/execute", sweepExecuteRequest{Build: build, Repo: repo, Config: cfg})
	if err != nil {
		return domain.RepoResult{RepoID: repo.RepoID, Status: domain.RepoFailed, Error: err.Error()}
	}

	status := domain.RepoResultStatus(gjson.Get(body, "status").String())
	switch status {
	case domain.RepoSuccess, domain.RepoFailed, domain.RepoSkipped, domain.RepoNoChanges:
	default:
		status = domain.RepoNoChanges
	}

	return domain.RepoResult{
		RepoID: repo.RepoID,
		Status: status,
		PRURL:  gjson.Get(body, "prUrl").String(),
		Error:  gjson.Get(body, "error").String(),
	}
}

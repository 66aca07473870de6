// Package sweep implements the Sweep Manager (spec §4.3.5): post-update
// repository improvement runs against opted-in repos only, paced by a
// configured rate limit, never auto-merging.
package sweep

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
)

// RepoSweeper performs the actual per-repo work (lint fix, dependency
// bump, etc.) and reports its outcome. The sweep itself is a black box per
// scope; this is the seam an execution backend plugs into.
type RepoSweeper interface {
	SweepRepo(ctx context.Context, build domain.Build, repo domain.RepoRef, cfg domain.SweepConfig) domain.RepoResult
}

// Config bundles the sweep manager's tunables (spec §6).
type Config struct {
	MaxConcurrentSweeps   int
	DefaultRateLimit      int
	DefaultMaxReposPerRun int
	Enabled               bool
}

// Manager orchestrates post-update sweep jobs.
type Manager struct {
	cfg     Config
	sweeper RepoSweeper
	sink    events.Sink
	log     *logging.Logger

	mu     sync.Mutex
	jobs   map[string]*domain.SweepJob
	active int
	cancels map[string]context.CancelFunc
}

// New constructs a sweep Manager.
func New(cfg Config, sweeper RepoSweeper, sink events.Sink, log *logging.Logger) *Manager {
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("update_pipeline.sweep")
	}
	return &Manager{
		cfg: cfg, sweeper: sweeper, sink: sink, log: log,
		jobs:    make(map[string]*domain.SweepJob),
		cancels: make(map[string]context.CancelFunc),
	}
}

// TriggerPostUpdateSweep starts a sweep job over repos' opted-in subset
// (spec §4.3.5).
func (m *Manager) TriggerPostUpdateSweep(ctx context.Context, build domain.Build, repos []domain.RepoRef, cfg domain.SweepConfig) (*domain.SweepJob, error) {
	if !m.cfg.Enabled {
		return nil, apierrors.Conflict(apierrors.CodeInvalidState, "sweeps are disabled")
	}
	optedIn := make([]domain.RepoRef, 0, len(repos))
	for _, r := range repos {
		if r.OptedIn {
			optedIn = append(optedIn, r)
		}
	}
	if len(optedIn) == 0 {
		return nil, apierrors.Invalid(apierrors.CodeInvalidInput, "no opted-in repos")
	}

	m.mu.Lock()
	if m.active >= m.cfg.MaxConcurrentSweeps {
		m.mu.Unlock()
		return nil, apierrors.Exhausted(apierrors.CodeSweepLimitExceeded, "max concurrent sweeps reached")
	}
	m.active++
	m.mu.Unlock()

	maxRepos := cfg.MaxReposPerRun
	if maxRepos <= 0 {
		maxRepos = m.cfg.DefaultMaxReposPerRun
	}
	if maxRepos > 0 && len(optedIn) > maxRepos {
		optedIn = optedIn[:maxRepos]
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = m.cfg.DefaultRateLimit
	}
	if rateLimit <= 0 {
		rateLimit = 10
	}

	job := &domain.SweepJob{
		JobID:     domain.NewID(),
		BuildID:   build.BuildID,
		Config:    cfg,
		State:     domain.SweepRunning,
		StartedAt: time.Now().UTC(),
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.jobs[job.JobID] = job
	m.cancels[job.JobID] = cancel
	m.mu.Unlock()

	go m.run(jobCtx, job, build, optedIn, rateLimit)
	return job, nil
}

// run executes optedIn repos sequentially at rateLimit repos/minute,
// recording a result per repo and tolerating per-repo failures without
// aborting the job (spec §4.3.5 steps 4-6).
func (m *Manager) run(ctx context.Context, job *domain.SweepJob, build domain.Build, repos []domain.RepoRef, rateLimit int) {
	defer func() {
		m.mu.Lock()
		m.active--
		delete(m.cancels, job.JobID)
		m.mu.Unlock()
	}()

	limiter := rate.NewLimiter(rate.Limit(float64(rateLimit)/60), 1)

	for _, repo := range repos {
		if ctx.Err() != nil {
			m.finish(job, domain.SweepCancelled)
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			m.finish(job, domain.SweepCancelled)
			return
		}

		result := m.sweepOne(ctx, build, repo, job.Config)
		m.mu.Lock()
		job.Results = append(job.Results, result)
		m.mu.Unlock()

		if result.Status == domain.RepoFailed {
			m.sink.Emit(ctx, events.Event{
				Type: events.TypeSweepFailed, Topic: repo.RepoID, At: time.Now().UTC(),
				Payload: SweepFailedPayload{JobID: job.JobID, RepoID: repo.RepoID, Error: result.Error},
			})
		}
	}
	m.finish(job, domain.SweepCompleted)
}

// sweepOne runs the sweeper for one repo, converting a panic in the sweeper
// into a failed result rather than aborting the job (spec §4.3.5 step
// 5: "On any repo-level exception, record a failed result but continue").
func (m *Manager) sweepOne(ctx context.Context, build domain.Build, repo domain.RepoRef, cfg domain.SweepConfig) (result domain.RepoResult) {
	defer func() {
		if r := recover(); r != nil {
			result = domain.RepoResult{RepoID: repo.RepoID, Status: domain.RepoFailed, Error: "panic during sweep"}
		}
	}()
	return m.sweeper.SweepRepo(ctx, build, repo, cfg)
}

func (m *Manager) finish(job *domain.SweepJob, state domain.SweepJobState) {
	m.mu.Lock()
	job.State = state
	now := time.Now().UTC()
	job.EndedAt = &now
	m.mu.Unlock()
}

// CancelSweep cancels a running job; the execution loop checks cancellation
// before each repo (spec §4.3.5).
func (m *Manager) CancelSweep(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cancel, ok := m.cancels[jobID]
	if !ok {
		return apierrors.NotFound(apierrors.CodeSweepJobNotFound, "sweep job not found or already finished")
	}
	cancel()
	return nil
}

// GetJob returns a snapshot of one sweep job.
func (m *Manager) GetJob(_ context.Context, jobID string) (domain.SweepJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.SweepJob{}, apierrors.NotFound(apierrors.CodeSweepJobNotFound, "sweep job not found")
	}
	return job.Clone(), nil
}

// SweepFailedPayload is the payload of a sweep_failed event.
type SweepFailedPayload struct {
	JobID  string
	RepoID string
	Error  string
}

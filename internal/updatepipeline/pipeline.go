// Package updatepipeline assembles the Update Pipeline's five cooperating
// sub-components (spec §4.3) behind a single orchestrator: version
// discovery feeds the known-good registry, canary results feed both the
// registry and the rollout controller, and the rollout controller's
// completion feeds the sweep manager.
package updatepipeline

import (
	"context"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/core"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/logging"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/canary"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/registry"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/rollout"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/sweep"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/versionwatcher"
)

// AutomationSwitches are the pipeline's top-level on/off toggles (spec §6).
type AutomationSwitches struct {
	AutoCanary  bool
	AutoRollout bool
	AutoSweep   bool
}

// Pipeline orchestrates the Version Watcher, Canary Runner, Known-Good
// Registry, Rollout Controller, and Sweep Manager.
type Pipeline struct {
	switches AutomationSwitches
	sink     events.Sink
	log      *logging.Logger

	Watcher  *versionwatcher.Watcher
	Canary   *canary.Runner
	Registry *registry.Registry
	Rollout  *rollout.Controller
	Sweep    *sweep.Manager

	// DefaultSuites backs RunCanaryAndRegister calls that omit an explicit
	// suite list, letting an operator trigger "run the standard suites"
	// without re-specifying them every time. Populated at assembly time from
	// config.LoadCanarySuites (spec §4.3.2); nil means callers must always
	// supply suites explicitly.
	DefaultSuites []domain.Suite
}

// New assembles a Pipeline from its already-constructed sub-components.
func New(switches AutomationSwitches, watcher *versionwatcher.Watcher, canaryRunner *canary.Runner, reg *registry.Registry, rolloutCtl *rollout.Controller, sweepMgr *sweep.Manager, sink events.Sink, log *logging.Logger) *Pipeline {
	if sink == nil {
		sink = events.NoopSink
	}
	if log == nil {
		log = logging.NewFromEnv("update_pipeline")
	}
	return &Pipeline{
		switches: switches, sink: sink, log: log,
		Watcher: watcher, Canary: canaryRunner, Registry: reg, Rollout: rolloutCtl, Sweep: sweepMgr,
	}
}

func (p *Pipeline) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "update_pipeline",
		Domain:       "updates",
		Layer:        core.LayerEngine,
		Capabilities: []string{"version_watch", "canary", "registry", "rollout", "sweep"},
	}
}

// GetRecommendedBuild is the pipeline's single externally exposed query
// (spec §2): the recommended build for channel, per the registry's
// selection rule.
func (p *Pipeline) GetRecommendedBuild(ctx context.Context, channel domain.Channel) (domain.BuildEntry, bool) {
	return p.Registry.GetRecommendedBuild(ctx, channel)
}

// RunCanaryAndRegister runs the canary suites against a freshly registered
// build and, when AutoCanary is enabled, feeds every suite's result back
// into the registry as a compatibility result. Returns the merged result
// set for the caller to pass into InitiateRollout.
func (p *Pipeline) RunCanaryAndRegister(ctx context.Context, buildID string, providerID domain.ProviderID, suites []domain.Suite) []domain.CanaryResult {
	if len(suites) == 0 {
		suites = p.DefaultSuites
	}
	results := make([]domain.CanaryResult, 0, len(suites))
	for _, suite := range suites {
		result := p.Canary.RunSuite(ctx, buildID, suite)
		results = append(results, result)

		if !p.switches.AutoCanary {
			continue
		}
		status := canaryStatusToCompat(result.Status)
		_, err := p.Registry.AddCompatibilityResult(ctx, domain.CompatibilityResult{
			ResultID:   domain.NewID(),
			BuildID:    buildID,
			ProviderID: providerID,
			Status:     status,
			Metrics:    result.Metrics,
		})
		if err != nil {
			p.log.WithContext(ctx).WithField("build_id", buildID).WithError(err).Warn("failed to record compatibility result")
		}
	}
	return results
}

func canaryStatusToCompat(status domain.CanaryRunStatus) domain.CompatStatus {
	switch status {
	case domain.CanaryStatusPassed:
		return domain.CompatCompatible
	case domain.CanaryStatusFailed:
		return domain.CompatPartial
	case domain.CanaryStatusErrored, domain.CanaryStatusTimeout:
		return domain.CompatIncompatible
	default:
		return domain.CompatUnknown
	}
}

// TriggerSweepAfterRollout starts a post-rollout sweep for a completed
// rollout's build, when AutoSweep is enabled.
func (p *Pipeline) TriggerSweepAfterRollout(ctx context.Context, build domain.Build, repos []domain.RepoRef, cfg domain.SweepConfig) (*domain.SweepJob, error) {
	if !p.switches.AutoSweep {
		return nil, apierrors.Conflict(apierrors.CodeInvalidState, "auto sweep disabled")
	}
	return p.Sweep.TriggerPostUpdateSweep(ctx, build, repos, cfg)
}

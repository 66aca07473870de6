// Package registry implements the Update Pipeline's Known-Good Registry
// (spec §4.3.3): Versions, Builds, BuildEntries, and CompatibilityResults,
// each mutated only by the registry's single writer goroutine.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/queue"
)

// Config bundles the registry's retention tunables.
type Config struct {
	MaxVersionsPerProvider int
	MaxBuilds              int
	AutoDeprecateDays      int
}

// Registry owns version/build/compatibility state for the Update Pipeline.
type Registry struct {
	cfg    Config
	q      *queue.Queue
	cancel context.CancelFunc

	versions map[domain.ProviderID]map[string]domain.Version
	builds   map[string]domain.BuildEntry
	results  map[string][]domain.CompatibilityResult
	// buildOrder preserves registration order for deterministic eviction.
	buildOrder []string
}

// New constructs a Registry and starts its single-writer goroutine.
func New(ctx context.Context, cfg Config) *Registry {
	runCtx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		q:        queue.New(128),
		cancel:   cancel,
		versions: make(map[domain.ProviderID]map[string]domain.Version),
		builds:   make(map[string]domain.BuildEntry),
		results:  make(map[string][]domain.CompatibilityResult),
	}
	r.q.Start(runCtx)
	return r
}

// Stop shuts down the registry's writer goroutine.
func (r *Registry) Stop() {
	r.cancel()
	r.q.Stop()
}

// RegisterVersion records a newly discovered (or heartbeat-observed)
// version.
func (r *Registry) RegisterVersion(_ context.Context, v domain.Version) domain.Version {
	return queue.Submit(r.q, func() domain.Version {
		if r.versions[v.ProviderID] == nil {
			r.versions[v.ProviderID] = make(map[string]domain.Version)
		}
		r.versions[v.ProviderID][v.Version] = v
		r.evictVersionsLocked(v.ProviderID)
		return v.Clone()
	})
}

func (r *Registry) evictVersionsLocked(provider domain.ProviderID) {
	if r.cfg.MaxVersionsPerProvider <= 0 {
		return
	}
	byProvider := r.versions[provider]
	if len(byProvider) <= r.cfg.MaxVersionsPerProvider {
		return
	}
	versions := make([]domain.Version, 0, len(byProvider))
	for _, v := range byProvider {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ReleasedAt.Before(versions[j].ReleasedAt) })
	excess := len(versions) - r.cfg.MaxVersionsPerProvider
	for i := 0; i < excess; i++ {
		delete(byProvider, versions[i].Version)
	}
}

// RegisterBuild creates a new BuildEntry in status=testing,
// recommendation=not_recommended (spec §4.3.3). If an existing, non-deprecated
// build has an identical content checksum (same runner version, adapters and
// runtime versions),
// that existing entry is returned unchanged instead of inserting a duplicate
// — a rebuild that changed nothing doesn't churn retention eviction.
func (r *Registry) RegisterBuild(_ context.Context, b domain.Build) domain.BuildEntry {
	return queue.Submit(r.q, func() domain.BuildEntry {
		b.Checksum = b.ComputeChecksum()
		for _, id := range r.buildOrder {
			existing, ok := r.builds[id]
			if !ok || existing.Status == domain.BuildDeprecated {
				continue
			}
			if existing.Checksum == b.Checksum {
				return existing.Clone()
			}
		}

		entry := domain.BuildEntry{
			Build:          b,
			Status:         domain.BuildTesting,
			Recommendation: domain.RecommendationNotRecommended,
		}
		r.builds[b.BuildID] = entry
		r.buildOrder = append(r.buildOrder, b.BuildID)
		r.evictBuildsLocked()
		return entry.Clone()
	})
}

func (r *Registry) evictBuildsLocked() {
	if r.cfg.MaxBuilds <= 0 || len(r.builds) <= r.cfg.MaxBuilds {
		return
	}
	kept := r.buildOrder[:0:0]
	for _, id := range r.buildOrder {
		entry, ok := r.builds[id]
		if !ok {
			continue
		}
		if len(r.builds) <= r.cfg.MaxBuilds || entry.Status == domain.BuildKnownGood {
			kept = append(kept, id)
			continue
		}
		delete(r.builds, id)
		delete(r.results, id)
	}
	r.buildOrder = kept
}

// AddCompatibilityResult appends a canary outcome and re-derives the
// build's recommendation (spec §4.3.3). Only PromoteBuild can raise it to
// recommended.
func (r *Registry) AddCompatibilityResult(_ context.Context, result domain.CompatibilityResult) (domain.BuildEntry, error) {
	return queue.Submit(r.q, func() buildOrErr {
		entry, ok := r.builds[result.BuildID]
		if !ok {
			return buildOrErr{err: apierrors.NotFound(apierrors.CodeBuildNotFound, "build not found")}
		}
		result.RecordedAt = time.Now().UTC()
		r.results[result.BuildID] = append(r.results[result.BuildID], result)

		switch result.Status {
		case domain.CompatCompatible, domain.CompatPartial:
			if entry.Recommendation != domain.RecommendationRecommended {
				entry.Recommendation = domain.RecommendationAcceptable
			}
		case domain.CompatIncompatible, domain.CompatUnknown:
			if entry.Recommendation != domain.RecommendationRecommended {
				entry.Recommendation = domain.RecommendationNotRecommended
			}
		}
		r.builds[result.BuildID] = entry
		return buildOrErr{entry: entry.Clone()}
	}).unwrap()
}

// buildOrErr lets AddCompatibilityResult/PromoteBuild return (BuildEntry,
// error) through queue.Submit's single-type signature.
type buildOrErr struct {
	entry domain.BuildEntry
	err   error
}

func (b buildOrErr) unwrap() (domain.BuildEntry, error) { return b.entry, b.err }

// PromoteBuild requires at least one compatible compatibility result and
// transitions the build to known_good/recommended (invariant B1).
func (r *Registry) PromoteBuild(_ context.Context, buildID string) (domain.BuildEntry, error) {
	return queue.Submit(r.q, func() buildOrErr {
		entry, ok := r.builds[buildID]
		if !ok {
			return buildOrErr{err: apierrors.NotFound(apierrors.CodeBuildNotFound, "build not found")}
		}
		hasCompatible := false
		for _, res := range r.results[buildID] {
			if res.Status == domain.CompatCompatible {
				hasCompatible = true
				break
			}
		}
		if !hasCompatible {
			return buildOrErr{err: apierrors.Conflict(apierrors.CodeInvalidState, "build has no compatible canary result")}
		}
		now := time.Now().UTC()
		entry.Status = domain.BuildKnownGood
		entry.Recommendation = domain.RecommendationRecommended
		entry.PromotedAt = &now
		r.builds[buildID] = entry
		return buildOrErr{entry: entry.Clone()}
	}).unwrap()
}

// DeprecateBuild marks a build deprecated with reason.
func (r *Registry) DeprecateBuild(_ context.Context, buildID, reason string) (domain.BuildEntry, error) {
	return r.setTerminalStatus(buildID, domain.BuildDeprecated, domain.RecommendationNotRecommended, reason, true)
}

// MarkBuildBad marks a build known_bad/blocked with reason.
func (r *Registry) MarkBuildBad(_ context.Context, buildID, reason string) (domain.BuildEntry, error) {
	return r.setTerminalStatus(buildID, domain.BuildKnownBad, domain.RecommendationBlocked, reason, false)
}

func (r *Registry) setTerminalStatus(buildID string, status domain.BuildStatus, rec domain.Recommendation, reason string, stampDeprecatedAt bool) (domain.BuildEntry, error) {
	return queue.Submit(r.q, func() buildOrErr {
		entry, ok := r.builds[buildID]
		if !ok {
			return buildOrErr{err: apierrors.NotFound(apierrors.CodeBuildNotFound, "build not found")}
		}
		entry.Status = status
		entry.Recommendation = rec
		entry.DeprecationReason = reason
		if stampDeprecatedAt {
			now := time.Now().UTC()
			entry.DeprecatedAt = &now
		}
		r.builds[buildID] = entry
		return buildOrErr{entry: entry.Clone()}
	}).unwrap()
}

// GetBuild returns a snapshot of one build entry.
func (r *Registry) GetBuild(_ context.Context, buildID string) (domain.BuildEntry, error) {
	return queue.Submit(r.q, func() buildOrErr {
		entry, ok := r.builds[buildID]
		if !ok {
			return buildOrErr{err: apierrors.NotFound(apierrors.CodeBuildNotFound, "build not found")}
		}
		return buildOrErr{entry: entry.Clone()}
	}).unwrap()
}

// GetRecommendedBuild implements the per-channel selection rule (spec
// §4.3.3): stable picks the most recently promoted known_good/recommended
// build; beta picks the most recent testing|known_good build with
// recommendation in {recommended, acceptable}.
func (r *Registry) GetRecommendedBuild(_ context.Context, channel domain.Channel) (domain.BuildEntry, bool) {
	return queue.Submit(r.q, func() buildAndFound {
		var candidates []domain.BuildEntry
		for _, entry := range r.builds {
			switch channel {
			case domain.ChannelStable:
				if entry.Status == domain.BuildKnownGood && entry.Recommendation == domain.RecommendationRecommended {
					candidates = append(candidates, entry)
				}
			default:
				if (entry.Status == domain.BuildTesting || entry.Status == domain.BuildKnownGood) &&
					(entry.Recommendation == domain.RecommendationRecommended || entry.Recommendation == domain.RecommendationAcceptable) {
					candidates = append(candidates, entry)
				}
			}
		}
		if len(candidates) == 0 {
			return buildAndFound{}
		}
		sort.Slice(candidates, func(i, j int) bool {
			ti, tj := candidates[i].BuiltAt, candidates[j].BuiltAt
			if channel == domain.ChannelStable && candidates[i].PromotedAt != nil && candidates[j].PromotedAt != nil {
				ti, tj = *candidates[i].PromotedAt, *candidates[j].PromotedAt
			}
			return ti.After(tj)
		})
		return buildAndFound{entry: candidates[0].Clone(), found: true}
	}).unwrap()
}

type buildAndFound struct {
	entry domain.BuildEntry
	found bool
}

func (b buildAndFound) unwrap() (domain.BuildEntry, bool) { return b.entry, b.found }

// ListCompatibilityResults returns every recorded result for buildID.
func (r *Registry) ListCompatibilityResults(_ context.Context, buildID string) []domain.CompatibilityResult {
	return queue.Submit(r.q, func() []domain.CompatibilityResult {
		out := append([]domain.CompatibilityResult(nil), r.results[buildID]...)
		return out
	})
}

// AutoDeprecate marks known_good/testing builds older than
// AutoDeprecateDays deprecated (spec §4.3.3 retention policy) and returns
// how many it changed. Each call is one pass; nothing in the application
// schedules it.
func (r *Registry) AutoDeprecate(_ context.Context) int {
	if r.cfg.AutoDeprecateDays <= 0 {
		return 0
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -r.cfg.AutoDeprecateDays)
	return queue.Submit(r.q, func() int {
		deprecated := 0
		for id, entry := range r.builds {
			if entry.Status != domain.BuildKnownGood && entry.Status != domain.BuildTesting {
				continue
			}
			if entry.BuiltAt.After(cutoff) {
				continue
			}
			entry.Status = domain.BuildDeprecated
			entry.Recommendation = domain.RecommendationNotRecommended
			entry.DeprecationReason = "Auto-deprecated due to age."
			now := time.Now().UTC()
			entry.DeprecatedAt = &now
			r.builds[id] = entry
			deprecated++
		}
		return deprecated
	})
}

package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// Build is a versioned bundle of runner software plus the provider-CLI
// versions it ships.
type Build struct {
	BuildID         string
	RunnerVersion   string
	Adapters        []string
	RuntimeVersions map[ProviderID]string
	BuiltAt         time.Time
	Metadata        map[string]string
	// Checksum is a content hash over RunnerVersion+Adapters+RuntimeVersions,
	// computed by ComputeChecksum. It identifies builds that are functionally identical
	// even when registered under different BuildIDs (e.g. a rebuild that
	// changed nothing), independent of BuiltAt or Metadata.
	Checksum string
}

func (b Build) Clone() Build {
	cp := b
	cp.Adapters = append([]string(nil), b.Adapters...)
	cp.RuntimeVersions = make(map[ProviderID]string, len(b.RuntimeVersions))
	for k, v := range b.RuntimeVersions {
		cp.RuntimeVersions[k] = v
	}
	cp.Metadata = make(map[string]string, len(b.Metadata))
	for k, v := range b.Metadata {
		cp.Metadata[k] = v
	}
	return cp
}

// ComputeChecksum derives a stable hex-encoded SHA3-256 digest over the
// build's runner version, adapter list and runtime versions, used by the
// Known-Good Registry's RegisterBuild to detect a functionally identical
// build that is already registered.
func (b Build) ComputeChecksum() string {
	adapters := append([]string(nil), b.Adapters...)
	sort.Strings(adapters)

	providers := make([]string, 0, len(b.RuntimeVersions))
	for p := range b.RuntimeVersions {
		providers = append(providers, string(p))
	}
	sort.Strings(providers)

	var sb strings.Builder
	sb.WriteString(b.RunnerVersion)
	sb.WriteByte('|')
	sb.WriteString(strings.Join(adapters, ","))
	sb.WriteByte('|')
	for _, p := range providers {
		fmt.Fprintf(&sb, "%s=%s,", p, b.RuntimeVersions[ProviderID(p)])
	}

	sum := sha3.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%x", sum)
}

// BuildStatus tracks a build's lifecycle in the known-good registry.
type BuildStatus string

const (
	BuildTesting    BuildStatus = "testing"
	BuildKnownGood  BuildStatus = "known_good"
	BuildKnownBad   BuildStatus = "known_bad"
	BuildDeprecated BuildStatus = "deprecated"
)

// Recommendation is the registry's current guidance for a build.
type Recommendation string

const (
	RecommendationRecommended   Recommendation = "recommended"
	RecommendationAcceptable    Recommendation = "acceptable"
	RecommendationNotRecommended Recommendation = "not_recommended"
	RecommendationBlocked       Recommendation = "blocked"
)

// CompatStatus is the outcome of one canary compatibility check.
type CompatStatus string

const (
	CompatCompatible   CompatStatus = "compatible"
	CompatPartial      CompatStatus = "partial"
	CompatIncompatible CompatStatus = "incompatible"
	CompatUnknown      CompatStatus = "unknown"
)

// CompatibilityResult is one canary outcome recorded against a build. Stored
// separately from BuildEntry (keyed by buildID) so BuildEntry never grows
// unbounded (design note, spec §9).
type CompatibilityResult struct {
	ResultID   string
	BuildID    string
	ProviderID ProviderID
	Status     CompatStatus
	Metrics    CanaryMetrics
	RecordedAt time.Time
	Notes      string
}

// BuildEntry extends Build with registry-owned status/recommendation.
type BuildEntry struct {
	Build
	Status            BuildStatus
	Recommendation    Recommendation
	PromotedAt        *time.Time
	DeprecatedAt      *time.Time
	DeprecationReason string
}

func (e BuildEntry) Clone() BuildEntry {
	cp := BuildEntry{
		Build:             e.Build.Clone(),
		Status:            e.Status,
		Recommendation:    e.Recommendation,
		DeprecationReason: e.DeprecationReason,
	}
	if e.PromotedAt != nil {
		t := *e.PromotedAt
		cp.PromotedAt = &t
	}
	if e.DeprecatedAt != nil {
		t := *e.DeprecatedAt
		cp.DeprecatedAt = &t
	}
	return cp
}

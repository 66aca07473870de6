package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
)

func testConfig() Config {
	return Config{MaxVersionsPerProvider: 3, MaxBuilds: 3, AutoDeprecateDays: 0}
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	r := New(context.Background(), cfg)
	t.Cleanup(r.Stop)
	return r
}

func TestRegisterVersionEvictsOldest(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r.RegisterVersion(ctx, domain.Version{
			ProviderID: domain.ProviderCodex,
			Version:    "v1." + string(rune('0'+i)),
			ReleasedAt: time.Now().UTC(),
		})
	}

	assert.LessOrEqual(t, len(r.versions[domain.ProviderCodex]), testConfig().MaxVersionsPerProvider)
}

func TestRegisterBuildEvictsOldestButKeepsKnownGood(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	r.RegisterBuild(ctx, domain.Build{BuildID: "b1", RunnerVersion: "1.0.0", BuiltAt: time.Now().UTC()})
	r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "b1", Status: domain.CompatCompatible})
	_, err := r.PromoteBuild(ctx, "b1")
	require.NoError(t, err)

	for i := 2; i <= 5; i++ {
		r.RegisterBuild(ctx, domain.Build{
			BuildID: "b" + string(rune('0'+i)), RunnerVersion: "1.0." + string(rune('0'+i)), BuiltAt: time.Now().UTC(),
		})
	}

	_, err = r.GetBuild(ctx, "b1")
	assert.NoError(t, err, "known_good build b1 must survive eviction")
}

func TestAddCompatibilityResultDerivesRecommendation(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	r.RegisterBuild(ctx, domain.Build{BuildID: "b1", BuiltAt: time.Now().UTC()})

	entry, err := r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "b1", Status: domain.CompatPartial})
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendationAcceptable, entry.Recommendation)

	entry, err = r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "b1", Status: domain.CompatIncompatible})
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendationNotRecommended, entry.Recommendation)

	_, err = r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "missing"})
	assert.Error(t, err)
}

func TestPromoteBuildRequiresCompatibleResult(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()
	r.RegisterBuild(ctx, domain.Build{BuildID: "b1", BuiltAt: time.Now().UTC()})

	_, err := r.PromoteBuild(ctx, "b1")
	require.Error(t, err)
	var svcErr *apierrors.ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, apierrors.CodeInvalidState, svcErr.Code)

	r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "b1", Status: domain.CompatCompatible})
	entry, err := r.PromoteBuild(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BuildKnownGood, entry.Status)
	assert.Equal(t, domain.RecommendationRecommended, entry.Recommendation)
	assert.NotNil(t, entry.PromotedAt)
}

func TestDeprecateAndMarkBuildBad(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()
	r.RegisterBuild(ctx, domain.Build{BuildID: "b1", BuiltAt: time.Now().UTC()})

	entry, err := r.DeprecateBuild(ctx, "b1", "superseded")
	require.NoError(t, err)
	assert.Equal(t, domain.BuildDeprecated, entry.Status)
	assert.Equal(t, "superseded", entry.DeprecationReason)
	assert.NotNil(t, entry.DeprecatedAt)

	r.RegisterBuild(ctx, domain.Build{BuildID: "b2", BuiltAt: time.Now().UTC()})
	entry, err = r.MarkBuildBad(ctx, "b2", "regression")
	require.NoError(t, err)
	assert.Equal(t, domain.BuildKnownBad, entry.Status)
	assert.Equal(t, domain.RecommendationBlocked, entry.Recommendation)
	assert.Nil(t, entry.DeprecatedAt)
}

func TestGetRecommendedBuildPerChannel(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	r.RegisterBuild(ctx, domain.Build{BuildID: "stable-candidate", RunnerVersion: "1.0.0", BuiltAt: time.Now().UTC()})
	r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "stable-candidate", Status: domain.CompatCompatible})
	r.PromoteBuild(ctx, "stable-candidate")

	r.RegisterBuild(ctx, domain.Build{BuildID: "beta-candidate", RunnerVersion: "1.1.0", BuiltAt: time.Now().UTC()})
	r.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "beta-candidate", Status: domain.CompatPartial})

	stable, ok := r.GetRecommendedBuild(ctx, domain.ChannelStable)
	require.True(t, ok)
	assert.Equal(t, "stable-candidate", stable.BuildID)

	beta, ok := r.GetRecommendedBuild(ctx, domain.ChannelBeta)
	require.True(t, ok)
	assert.Equal(t, "beta-candidate", beta.BuildID)

	_, ok = r.GetRecommendedBuild(ctx, domain.ChannelPinned)
	assert.False(t, ok, "pinned channel has no testing/acceptable candidate in this fixture")
}

func TestAutoDeprecateDisabledByZeroDays(t *testing.T) {
	r := newTestRegistry(t, Config{MaxVersionsPerProvider: 3, MaxBuilds: 3, AutoDeprecateDays: 0})
	ctx := context.Background()
	r.RegisterBuild(ctx, domain.Build{BuildID: "b1", BuiltAt: time.Now().UTC().AddDate(-1, 0, 0)})

	assert.Equal(t, 0, r.AutoDeprecate(ctx))
}

func TestAutoDeprecateMarksOldBuilds(t *testing.T) {
	r := newTestRegistry(t, Config{MaxVersionsPerProvider: 3, MaxBuilds: 3, AutoDeprecateDays: 90})
	ctx := context.Background()
	r.RegisterBuild(ctx, domain.Build{BuildID: "old", RunnerVersion: "1.0.0", BuiltAt: time.Now().UTC().AddDate(0, 0, -200)})
	r.RegisterBuild(ctx, domain.Build{BuildID: "fresh", RunnerVersion: "1.1.0", BuiltAt: time.Now().UTC()})

	n := r.AutoDeprecate(ctx)
	assert.Equal(t, 1, n)

	old, err := r.GetBuild(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, domain.BuildDeprecated, old.Status)

	fresh, err := r.GetBuild(ctx, "fresh")
	require.NoError(t, err)
	assert.NotEqual(t, domain.BuildDeprecated, fresh.Status)
}

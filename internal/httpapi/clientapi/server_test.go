package clientapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/envelope"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
	"github.com/r3e-network/fleetctl/internal/realtimehub"
	"github.com/r3e-network/fleetctl/internal/sessioncoordinator"
	"github.com/r3e-network/fleetctl/internal/updatepipeline"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/canary"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/registry"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/rollout"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/sweep"
	"github.com/r3e-network/fleetctl/internal/updatepipeline/versionwatcher"
)

type noopFetcher struct{}

func (noopFetcher) Fetch(context.Context, domain.UpstreamSource) (string, error) { return "", nil }

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, string, domain.TestCase) canary.CaseOutcome {
	return canary.CaseOutcome{Passed: true}
}

type noopSweeper struct{}

func (noopSweeper) SweepRepo(context.Context, domain.Build, domain.RepoRef, domain.SweepConfig) domain.RepoResult {
	return domain.RepoResult{}
}

// testStack wires a minimal real component stack the way cmd/controlplane
// does, so the HTTP surface is exercised against its actual collaborators
// rather than interface mocks.
type testStack struct {
	fleet       *fleetmanager.Manager
	coordinator *sessioncoordinator.Coordinator
	reg         *registry.Registry
	pipeline    *updatepipeline.Pipeline
	hub         *realtimehub.Hub
	server      *Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	ctx := context.Background()

	fleet := fleetmanager.New(fleetmanager.Config{
		HeartbeatTimeout: time.Minute, HealthCheckInterval: time.Minute, MaxRunners: 100, LoadFactor: 1,
	}, events.NoopSink, nil)

	coordinator := sessioncoordinator.New(sessioncoordinator.Config{
		MaxSessionsPerOrg: 10, DefaultTimeout: time.Hour, SessionDataTTL: time.Hour, PlacementRetries: 1,
	}, fleet, events.NoopSink, nil)

	reg := registry.New(ctx, registry.Config{MaxVersionsPerProvider: 10, MaxBuilds: 10})
	t.Cleanup(reg.Stop)

	watcher := versionwatcher.New(versionwatcher.Config{DefaultCheckInterval: time.Hour, HTTPTimeout: time.Second}, noopFetcher{}, events.NoopSink, nil)
	canaryRunner := canary.New(canary.Config{MaxConcurrency: 1, DefaultTimeout: time.Second}, noopExecutor{}, 10)
	rolloutCtl := rollout.New(ctx, rollout.Config{MaxConcurrentRollouts: 1}, nil, nil, events.NoopSink, nil)
	t.Cleanup(rolloutCtl.Stop)
	sweepMgr := sweep.New(sweep.Config{Enabled: true, MaxConcurrentSweeps: 1}, noopSweeper{}, events.NoopSink, nil)

	pipeline := updatepipeline.New(updatepipeline.AutomationSwitches{}, watcher, canaryRunner, reg, rolloutCtl, sweepMgr, events.NoopSink, nil)

	auth := realtimehub.AuthenticatorFunc(func(_ context.Context, token, userID string) (string, bool) {
		return userID, token != "" && userID != ""
	})
	hub := realtimehub.New(realtimehub.Config{}, auth, events.NoopSink, nil)

	return &testStack{
		fleet: fleet, coordinator: coordinator, reg: reg, pipeline: pipeline, hub: hub,
		server: New(coordinator, fleet, pipeline, hub),
	}
}

func (ts *testStack) registerRunner(t *testing.T, provider domain.ProviderID) domain.Runner {
	t.Helper()
	r, err := ts.fleet.RegisterRunner(context.Background(), "host-"+string(provider), domain.Capabilities{
		Providers: []domain.ProviderID{provider}, MaxConcurrentSessions: 5,
	}, nil)
	require.NoError(t, err)
	return r
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope.Envelope {
	t.Helper()
	var env envelope.Envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func TestCreateSessionPlacesOnRegisteredRunner(t *testing.T) {
	ts := newTestStack(t)
	ts.registerRunner(t, domain.ProviderCodex)

	rec := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/", createSessionRequest{
		OrgID: "org-1", Provider: domain.ProviderCodex, Repo: domain.Repo{URL: "https://example.com/repo"}, Task: "fix bug",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestCreateSessionFailsWithoutCapacity(t *testing.T) {
	ts := newTestStack(t)
	rec := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/", createSessionRequest{
		OrgID: "org-1", Provider: domain.ProviderCodex, Repo: domain.Repo{URL: "https://example.com/repo"}, Task: "fix bug",
	})

	assert.NotEqual(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
}

func TestGetAndListSessions(t *testing.T) {
	ts := newTestStack(t)
	ts.registerRunner(t, domain.ProviderCodex)

	created := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/", createSessionRequest{
		OrgID: "org-1", Provider: domain.ProviderCodex, Repo: domain.Repo{URL: "https://example.com/repo"}, Task: "fix bug",
	})
	require.Equal(t, http.StatusCreated, created.Code)
	createdEnv := decodeEnvelope(t, created)
	data := createdEnv.Data.(map[string]any)
	sessionID := data["SessionID"].(string)

	rec := doJSON(t, ts.server, http.MethodGet, "/v1/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	listRec := doJSON(t, ts.server, http.MethodGet, "/v1/sessions/?orgID=org-1", nil)
	require.Equal(t, http.StatusOK, listRec.Code)
	listEnv := decodeEnvelope(t, listRec)
	assert.True(t, listEnv.Success)
}

func TestStopSessionUnknownIDReturnsError(t *testing.T) {
	ts := newTestStack(t)
	rec := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/missing/stop", map[string]string{"reason": "cleanup"})
	assert.NotEqual(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
}

func TestListAndGetRunners(t *testing.T) {
	ts := newTestStack(t)
	runner := ts.registerRunner(t, domain.ProviderCodex)

	listRec := doJSON(t, ts.server, http.MethodGet, "/v1/runners/", nil)
	require.Equal(t, http.StatusOK, listRec.Code)

	getRec := doJSON(t, ts.server, http.MethodGet, "/v1/runners/"+runner.RunnerID, nil)
	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestGetRecommendedBuildNotFoundWhenRegistryEmpty(t *testing.T) {
	ts := newTestStack(t)
	rec := doJSON(t, ts.server, http.MethodGet, "/v1/builds/recommended?channel=stable", nil)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestGetRecommendedBuildReturnsPromotedBuild(t *testing.T) {
	ts := newTestStack(t)
	ctx := context.Background()
	ts.reg.RegisterBuild(ctx, domain.Build{BuildID: "b1", BuiltAt: time.Now().UTC()})
	ts.reg.AddCompatibilityResult(ctx, domain.CompatibilityResult{BuildID: "b1", Status: domain.CompatCompatible})
	_, err := ts.reg.PromoteBuild(ctx, "b1")
	require.NoError(t, err)

	rec := doJSON(t, ts.server, http.MethodGet, "/v1/builds/recommended?channel=stable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

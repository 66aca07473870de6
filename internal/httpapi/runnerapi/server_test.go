package runnerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/envelope"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
	"github.com/r3e-network/fleetctl/internal/sessioncoordinator"
)

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Emit(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) all() []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Event(nil), s.events...)
}

type testStack struct {
	fleet       *fleetmanager.Manager
	coordinator *sessioncoordinator.Coordinator
	sink        *recordingSink
	server      *Server
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	fleet := fleetmanager.New(fleetmanager.Config{
		HeartbeatTimeout: time.Minute, HealthCheckInterval: time.Minute, MaxRunners: 100, LoadFactor: 1,
	}, events.NoopSink, nil)
	coordinator := sessioncoordinator.New(sessioncoordinator.Config{
		MaxSessionsPerOrg: 10, DefaultTimeout: time.Hour, SessionDataTTL: time.Hour, PlacementRetries: 1,
	}, fleet, events.NoopSink, nil)
	sink := &recordingSink{}
	return &testStack{fleet: fleet, coordinator: coordinator, sink: sink, server: New(fleet, coordinator, sink)}
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

func TestRegisterRunner(t *testing.T) {
	ts := newTestStack(t)
	rec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/register", registerRequest{
		Hostname:     "host-a",
		Capabilities: domain.Capabilities{Providers: []domain.ProviderID{domain.ProviderCodex}, MaxConcurrentSessions: 5},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
}

func TestHeartbeatUnknownRunnerErrors(t *testing.T) {
	ts := newTestStack(t)
	rec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/missing/heartbeat", heartbeatRequest{
		Load: domain.Load{ActiveSessions: 1},
	})
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestHeartbeatKnownRunnerSucceeds(t *testing.T) {
	ts := newTestStack(t)
	registerRec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/register", registerRequest{
		Hostname: "host-a", Capabilities: domain.Capabilities{Providers: []domain.ProviderID{domain.ProviderCodex}, MaxConcurrentSessions: 5},
	})
	env := decodeEnvelope(t, registerRec)
	runnerID := env.Data.(map[string]any)["RunnerID"].(string)

	rec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/"+runnerID+"/heartbeat", heartbeatRequest{
		Load: domain.Load{ActiveSessions: 0},
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestDrainRunner(t *testing.T) {
	ts := newTestStack(t)
	registerRec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/register", registerRequest{
		Hostname: "host-a", Capabilities: domain.Capabilities{Providers: []domain.ProviderID{domain.ProviderCodex}, MaxConcurrentSessions: 5},
	})
	env := decodeEnvelope(t, registerRec)
	runnerID := env.Data.(map[string]any)["RunnerID"].(string)

	rec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/"+runnerID+"/drain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	drainEnv := decodeEnvelope(t, rec)
	assert.Equal(t, string(domain.RunnerDraining), drainEnv.Data.(map[string]any)["Status"])
}

func TestSessionStateAndUsageReport(t *testing.T) {
	ts := newTestStack(t)
	registerRec := doJSON(t, ts.server, http.MethodPost, "/v1/runners/register", registerRequest{
		Hostname: "host-a", Capabilities: domain.Capabilities{Providers: []domain.ProviderID{domain.ProviderCodex}, MaxConcurrentSessions: 5},
	})
	runnerEnv := decodeEnvelope(t, registerRec)
	_ = runnerEnv

	session, err := ts.coordinator.Create(context.Background(), "org-1", domain.ProviderCodex, domain.Repo{URL: "https://example.com/repo"}, "task", domain.CreateOptions{})
	require.NoError(t, err)

	stateRec := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/"+session.SessionID+"/state-report", sessionStateReportRequest{State: domain.SessionRunning})
	require.Equal(t, http.StatusOK, stateRec.Code)

	usageRec := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/"+session.SessionID+"/usage-report", sessionUsageReportRequest{Usage: domain.Usage{TokensIn: 10}})
	require.Equal(t, http.StatusOK, usageRec.Code)

	got, err := ts.coordinator.Get(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, got.State)
	assert.Equal(t, int64(10), got.Usage.TokensIn)
}

func TestApprovalNeededAndTerminalOutputForwardToSink(t *testing.T) {
	ts := newTestStack(t)

	rec := doJSON(t, ts.server, http.MethodPost, "/v1/sessions/s1/approval-needed", ApprovalNeededPayload{
		Action: domain.ActionDeploy, Description: "needs a human",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, ts.server, http.MethodPost, "/v1/sessions/s1/terminal-output", TerminalOutputPayload{Data: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	evs := ts.sink.all()
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeApprovalRequested, evs[0].Type)
	assert.Equal(t, events.TypeTerminalOutput, evs[1].Type)
	assert.Equal(t, "s1", evs[0].Topic)
}

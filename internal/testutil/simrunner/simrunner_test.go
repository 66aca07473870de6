package simrunner

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
	"github.com/r3e-network/fleetctl/internal/httpapi/runnerapi"
	"github.com/r3e-network/fleetctl/internal/sessioncoordinator"
)

func testCaps() domain.Capabilities {
	return domain.Capabilities{
		Providers:             []domain.ProviderID{domain.ProviderCodex},
		MaxConcurrentSessions: 5,
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	fleet := fleetmanager.New(fleetmanager.Config{
		HeartbeatTimeout:    time.Minute,
		HealthCheckInterval: time.Minute,
		MaxRunners:          10,
		LoadFactor:          1.0,
	}, nil, nil)
	coordinator := sessioncoordinator.New(sessioncoordinator.Config{
		MaxSessionsPerOrg: 10,
		DefaultTimeout:    time.Hour,
	}, fleet, nil, nil)
	srv := runnerapi.New(fleet, coordinator, nil)
	return httptest.NewServer(srv)
}

func TestRegisterAndHeartbeat(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	c := New(ts.URL)
	runner, err := c.Register(context.Background(), "host-a", testCaps(), map[string]string{"zone": "us"})
	require.NoError(t, err)
	assert.NotEmpty(t, runner.RunnerID)
	assert.Equal(t, c.RunnerID(), runner.RunnerID)

	err = c.Heartbeat(context.Background(), []string{}, map[domain.ProviderID]string{domain.ProviderCodex: "1.2.3"})
	require.NoError(t, err)
}

func TestDrain(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Register(context.Background(), "host-b", testCaps(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Drain(context.Background()))
}

func TestReportSessionStateAndUsage(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	c := New(ts.URL)
	// Reports for an unknown session are silently ignored by the coordinator,
	// so the envelope comes back successful, proving the wire round-trip and
	// envelope decoding work.
	err := c.ReportSessionState(context.Background(), "missing-session", domain.SessionRunning)
	assert.NoError(t, err)

	err = c.ReportSessionUsage(context.Background(), "missing-session", domain.Usage{TokensIn: 10})
	assert.NoError(t, err)
}

func TestReportApprovalAndTerminal(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	c := New(ts.URL)
	require.NoError(t, c.ReportApprovalNeeded(context.Background(), "sess-1", domain.ActionMerge, "merge to main", map[string]any{"pr": 42}))
	require.NoError(t, c.ReportTerminalOutput(context.Background(), "sess-1", "hello\n"))
}

func TestSampleLoadReturnsBoundedPercentages(t *testing.T) {
	load, err := SampleLoad(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, load.ActiveSessions)
	assert.GreaterOrEqual(t, load.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, load.MemPercent, 0.0)
	assert.GreaterOrEqual(t, load.DiskPercent, 0.0)
}

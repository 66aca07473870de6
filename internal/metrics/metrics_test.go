package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPathCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/v1/sessions":              "/v1/sessions",
		"/v1/sessions/abc123":       "/v1/sessions/:id",
		"/v1/runners/r-1/heartbeat": "/v1/runners/:id/heartbeat",
		"/":                         "/",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstrumentRecordsRequest(t *testing.T) {
	m := New()
	handler := m.Instrument("client", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}

	count := testutil.ToFloat64(m.httpRequests.WithLabelValues("client", "POST", "/v1/sessions", "201"))
	if count != 1 {
		t.Fatalf("request counter = %v, want 1", count)
	}
}

func TestSessionAndHubGauges(t *testing.T) {
	m := New()
	m.SetSessionCounts(map[string]int{"running": 3, "stopped": 1})
	m.RecordSessionTransition("running", "stopped")
	m.RecordSessionLifetime("stopped", 2*time.Minute)
	m.SetApprovalsPending(2)
	m.SetHubConnections(5)
	m.RecordHubDrop()
	m.RecordHubEvent("session.output")
	m.RecordLivenessEviction()
	m.RecordCanaryRun("passed")
	m.SetRolloutStage("ro-1", "stable", 25)
	m.RecordRolloutEvent("advance")
	m.RecordSweepRepoOutcome("merged")
	m.RecordSweepJobDuration(90 * time.Second)
	m.SetRunnerCapacity("r-1", 4, 2)
	m.SetRunnerLoad("r-1", "cpu", 0.5)
	m.SetRunnerCounts(map[string]int{"online": 2})

	if _, err := m.registry.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

// Package metrics exposes the fleet control plane's Prometheus collectors.
// Collectors live on a private registry rather than the global default so
// that tests can construct isolated instances side by side.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the control plane records against.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	sessionsActive      *prometheus.GaugeVec
	sessionTransitions  *prometheus.CounterVec
	sessionDuration     *prometheus.HistogramVec
	approvalsPending    prometheus.Gauge

	runnersRegistered *prometheus.GaugeVec
	runnerCapacity    *prometheus.GaugeVec
	runnerLoad        *prometheus.GaugeVec
	livenessEvictions prometheus.Counter

	canaryRuns     *prometheus.CounterVec
	rolloutStage   *prometheus.GaugeVec
	rolloutEvents  *prometheus.CounterVec
	sweepOutcomes  *prometheus.CounterVec
	sweepDuration  prometheus.Histogram

	hubConnections   prometheus.Gauge
	hubDrops         prometheus.Counter
	hubBroadcasts    *prometheus.CounterVec
}

// New builds a Metrics bundle registered against its own private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight HTTP requests.",
	})
	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests handled, by surface/method/path/status.",
	}, []string{"surface", "method", "path", "status"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetctl", Subsystem: "http", Name: "request_duration_seconds",
		Help: "Duration of HTTP requests.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"surface", "method", "path"})

	m.sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "sessions", Name: "active",
		Help: "Current sessions grouped by lifecycle state.",
	}, []string{"state"})
	m.sessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "sessions", Name: "transitions_total",
		Help: "Session state transitions, by from/to state.",
	}, []string{"from", "to"})
	m.sessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetctl", Subsystem: "sessions", Name: "lifetime_seconds",
		Help: "Session lifetime from creation to a terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	}, []string{"terminal_state"})
	m.approvalsPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "sessions", Name: "approvals_pending",
		Help: "Current count of approvals awaiting a decision.",
	})

	m.runnersRegistered = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "fleet", Name: "runners",
		Help: "Current runners grouped by status.",
	}, []string{"status"})
	m.runnerCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "fleet", Name: "runner_capacity_slots",
		Help: "Per-runner capacity, by runner and kind (total|assigned).",
	}, []string{"runner_id", "kind"})
	m.runnerLoad = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "fleet", Name: "runner_load",
		Help: "Last-reported runner load metric value, by runner and metric.",
	}, []string{"runner_id", "metric"})
	m.livenessEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "fleet", Name: "liveness_evictions_total",
		Help: "Total runners marked offline by the liveness checker.",
	})

	m.canaryRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "updates", Name: "canary_runs_total",
		Help: "Total canary suite runs, by result status.",
	}, []string{"status"})
	m.rolloutStage = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "updates", Name: "rollout_percentage",
		Help: "Current rollout percentage, by rollout id and channel.",
	}, []string{"rollout_id", "channel"})
	m.rolloutEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "updates", Name: "rollout_events_total",
		Help: "Total rollout lifecycle events, by kind.",
	}, []string{"kind"})
	m.sweepOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "updates", Name: "sweep_repo_outcomes_total",
		Help: "Total per-repo sweep outcomes, by result.",
	}, []string{"result"})
	m.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetctl", Subsystem: "updates", Name: "sweep_job_duration_seconds",
		Help: "Duration of completed sweep jobs.", Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	m.hubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetctl", Subsystem: "realtime", Name: "connections",
		Help: "Current authenticated + anonymous websocket connections.",
	})
	m.hubDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "realtime", Name: "send_drops_total",
		Help: "Total outbound frames dropped because a client's queue was full.",
	})
	m.hubBroadcasts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetctl", Subsystem: "realtime", Name: "events_sent_total",
		Help: "Total events delivered to websocket clients, by event name.",
	}, []string{"event"})

	m.registry.MustRegister(
		m.httpInFlight, m.httpRequests, m.httpDuration,
		m.sessionsActive, m.sessionTransitions, m.sessionDuration, m.approvalsPending,
		m.runnersRegistered, m.runnerCapacity, m.runnerLoad, m.livenessEvictions,
		m.canaryRuns, m.rolloutStage, m.rolloutEvents, m.sweepOutcomes, m.sweepDuration,
		m.hubConnections, m.hubDrops, m.hubBroadcasts,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument wraps an HTTP handler with request-count/duration/in-flight
// tracking for the given surface name (client|runner|operator).
func (m *Metrics) Instrument(surface string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(surface, method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(surface, method, path).Observe(duration.Seconds())
	})
}

// SetSessionCounts replaces the active-session gauge for every known state.
func (m *Metrics) SetSessionCounts(counts map[string]int) {
	m.sessionsActive.Reset()
	for state, n := range counts {
		m.sessionsActive.WithLabelValues(state).Set(float64(n))
	}
}

// RecordSessionTransition records a session moving from one state to another.
func (m *Metrics) RecordSessionTransition(from, to string) {
	m.sessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordSessionLifetime records the wall-clock lifetime of a session that
// reached a terminal state.
func (m *Metrics) RecordSessionLifetime(terminalState string, lifetime time.Duration) {
	m.sessionDuration.WithLabelValues(terminalState).Observe(lifetime.Seconds())
}

// SetApprovalsPending sets the current count of unresolved approvals.
func (m *Metrics) SetApprovalsPending(n int) {
	m.approvalsPending.Set(float64(n))
}

// SetRunnerCounts replaces the runner gauge for every known status.
func (m *Metrics) SetRunnerCounts(counts map[string]int) {
	m.runnersRegistered.Reset()
	for status, n := range counts {
		m.runnersRegistered.WithLabelValues(status).Set(float64(n))
	}
}

// SetRunnerCapacity records a runner's total and currently-assigned slots.
func (m *Metrics) SetRunnerCapacity(runnerID string, total, assigned int) {
	m.runnerCapacity.WithLabelValues(runnerID, "total").Set(float64(total))
	m.runnerCapacity.WithLabelValues(runnerID, "assigned").Set(float64(assigned))
}

// SetRunnerLoad records a runner's last-reported load metric.
func (m *Metrics) SetRunnerLoad(runnerID, metric string, value float64) {
	m.runnerLoad.WithLabelValues(runnerID, metric).Set(value)
}

// RecordLivenessEviction records the liveness checker marking a runner offline.
func (m *Metrics) RecordLivenessEviction() {
	m.livenessEvictions.Inc()
}

// RecordCanaryRun records a canary suite run outcome.
func (m *Metrics) RecordCanaryRun(status string) {
	m.canaryRuns.WithLabelValues(status).Inc()
}

// SetRolloutStage records a rollout's current percentage.
func (m *Metrics) SetRolloutStage(rolloutID, channel string, percentage int) {
	m.rolloutStage.WithLabelValues(rolloutID, channel).Set(float64(percentage))
}

// RecordRolloutEvent records a rollout lifecycle event by kind (e.g. advance,
// pause, rollback).
func (m *Metrics) RecordRolloutEvent(kind string) {
	m.rolloutEvents.WithLabelValues(kind).Inc()
}

// RecordSweepRepoOutcome records a single repo's sweep result.
func (m *Metrics) RecordSweepRepoOutcome(result string) {
	m.sweepOutcomes.WithLabelValues(result).Inc()
}

// RecordSweepJobDuration records a completed sweep job's total duration.
func (m *Metrics) RecordSweepJobDuration(d time.Duration) {
	m.sweepDuration.Observe(d.Seconds())
}

// SetHubConnections records the current websocket connection count.
func (m *Metrics) SetHubConnections(n int) {
	m.hubConnections.Set(float64(n))
}

// RecordHubDrop records a dropped outbound frame due to a full client queue.
func (m *Metrics) RecordHubDrop() {
	m.hubDrops.Inc()
}

// RecordHubEvent records an event delivered to one or more websocket clients.
func (m *Metrics) RecordHubEvent(event string) {
	m.hubBroadcasts.WithLabelValues(event).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters into a stable label to keep
// cardinality bounded (e.g. /v1/sessions/abc123 -> /v1/sessions/:id).
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	for i, p := range parts {
		if i == 0 {
			continue
		}
		if looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func looksLikeID(segment string) bool {
	if segment == "" {
		return false
	}
	hasDigit := false
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			hasDigit = true
		}
	}
	return hasDigit || len(segment) >= 20
}

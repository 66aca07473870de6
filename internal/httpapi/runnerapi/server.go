// Package runnerapi implements the Runner protocol surface (spec §6):
// register/heartbeat/drain plus runner-initiated event ingestion. Kept on a
// distinct router/port from the client API to mirror the separate trust
// domain execution hosts operate in.
package runnerapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/envelope"
	"github.com/r3e-network/fleetctl/internal/events"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
	"github.com/r3e-network/fleetctl/internal/sessioncoordinator"
)

// Server wires the Fleet Manager's runner lifecycle operations and the
// Session Coordinator's runner-reported-state path behind gorilla/mux.
type Server struct {
	router      *mux.Router
	fleet       *fleetmanager.Manager
	coordinator *sessioncoordinator.Coordinator
	sink        events.Sink
}

// New builds the runner API router. sink receives approvalNeeded/
// terminalOutput events raised by runners, forwarded to the Realtime Hub.
func New(fleet *fleetmanager.Manager, coordinator *sessioncoordinator.Coordinator, sink events.Sink) *Server {
	if sink == nil {
		sink = events.NoopSink
	}
	s := &Server{router: mux.NewRouter(), fleet: fleet, coordinator: coordinator, sink: sink}

	s.router.HandleFunc("/v1/runners/register", s.register).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/runners/{runnerID}/heartbeat", s.heartbeat).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/runners/{runnerID}/drain", s.drain).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/sessions/{sessionID}/state-report", s.sessionStateReport).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/sessions/{sessionID}/usage-report", s.sessionUsageReport).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/sessions/{sessionID}/approval-needed", s.approvalNeeded).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/sessions/{sessionID}/terminal-output", s.terminalOutput).Methods(http.MethodPost)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type registerRequest struct {
	Hostname     string              `json:"hostname"`
	Capabilities domain.Capabilities `json:"capabilities"`
	Metadata     map[string]string   `json:"metadata"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req registerRequest
	if !decode(w, r, start, &req) {
		return
	}
	runner, err := s.fleet.RegisterRunner(r.Context(), req.Hostname, req.Capabilities, req.Metadata)
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteCreated(w, start, runner)
}

type heartbeatRequest struct {
	Load            domain.Load                  `json:"load"`
	ActiveSessions  []string                      `json:"activeSessions"`
	RuntimeVersions map[domain.ProviderID]string  `json:"runtimeVersions"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req heartbeatRequest
	if !decode(w, r, start, &req) {
		return
	}
	runnerID := mux.Vars(r)["runnerID"]
	if err := s.fleet.Heartbeat(r.Context(), runnerID, req.Load, req.ActiveSessions, req.RuntimeVersions); err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, map[string]bool{"ok": true})
}

func (s *Server) drain(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	runner, err := s.fleet.DrainRunner(r.Context(), mux.Vars(r)["runnerID"])
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, runner)
}

type sessionStateReportRequest struct {
	State domain.SessionState `json:"state"`
}

func (s *Server) sessionStateReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req sessionStateReportRequest
	if !decode(w, r, start, &req) {
		return
	}
	if err := s.coordinator.UpdateReportedState(r.Context(), mux.Vars(r)["sessionID"], req.State); err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, map[string]bool{"ok": true})
}

type sessionUsageReportRequest struct {
	Usage domain.Usage `json:"usage"`
}

func (s *Server) sessionUsageReport(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req sessionUsageReportRequest
	if !decode(w, r, start, &req) {
		return
	}
	if err := s.coordinator.UpdateReportedUsage(r.Context(), mux.Vars(r)["sessionID"], req.Usage); err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, map[string]bool{"ok": true})
}

// ApprovalNeededPayload is the payload of an approvalNeeded event raised by
// a runner and forwarded to the Realtime Hub.
type ApprovalNeededPayload struct {
	SessionID   string
	Action      domain.ApprovalAction
	Description string
	Context     map[string]any
}

func (s *Server) approvalNeeded(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req ApprovalNeededPayload
	if !decode(w, r, start, &req) {
		return
	}
	req.SessionID = mux.Vars(r)["sessionID"]
	s.sink.Emit(r.Context(), events.Event{Type: events.TypeApprovalRequested, Topic: req.SessionID, At: time.Now().UTC(), Payload: req})
	envelope.WriteOK(w, start, map[string]bool{"ok": true})
}

// TerminalOutputPayload is the payload of a terminalOutput event raised by
// a runner and forwarded to the Realtime Hub.
type TerminalOutputPayload struct {
	SessionID string
	Data      string
}

func (s *Server) terminalOutput(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req TerminalOutputPayload
	if !decode(w, r, start, &req) {
		return
	}
	req.SessionID = mux.Vars(r)["sessionID"]
	s.sink.Emit(r.Context(), events.Event{Type: events.TypeTerminalOutput, Topic: req.SessionID, At: time.Now().UTC(), Payload: req})
	envelope.WriteOK(w, start, map[string]bool{"ok": true})
}

func decode(w http.ResponseWriter, r *http.Request, start time.Time, v any) bool {
	if r.Body == nil {
		envelope.WriteError(w, start, apierrors.Invalid(apierrors.CodeInvalidInput, "request body required"))
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		envelope.WriteError(w, start, apierrors.Invalid(apierrors.CodeInvalidInput, "malformed request body"))
		return false
	}
	return true
}

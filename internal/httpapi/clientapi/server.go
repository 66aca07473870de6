// Package clientapi implements the client-facing HTTP surface: session
// lifecycle operations, read-only fleet/update-pipeline queries, and the
// websocket upgrade endpoint for the Realtime Hub.
package clientapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/envelope"
	"github.com/r3e-network/fleetctl/internal/fleetmanager"
	"github.com/r3e-network/fleetctl/internal/realtimehub"
	"github.com/r3e-network/fleetctl/internal/sessioncoordinator"
	"github.com/r3e-network/fleetctl/internal/updatepipeline"
)

// Server wires the Session Coordinator, Fleet Manager, and Update Pipeline
// behind a chi router, wrapped in the shared response envelope.
type Server struct {
	router       chi.Router
	coordinator  *sessioncoordinator.Coordinator
	fleet        *fleetmanager.Manager
	pipeline     *updatepipeline.Pipeline
	hub          *realtimehub.Hub
}

// New builds the client API router.
func New(coordinator *sessioncoordinator.Coordinator, fleet *fleetmanager.Manager, pipeline *updatepipeline.Pipeline, hub *realtimehub.Hub) *Server {
	s := &Server{coordinator: coordinator, fleet: fleet, pipeline: pipeline, hub: hub}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Get("/{sessionID}", s.getSession)
		r.Post("/{sessionID}/stop", s.stopSession)
		r.Post("/{sessionID}/pause", s.pauseSession)
		r.Post("/{sessionID}/resume", s.resumeSession)
		r.Post("/{sessionID}/approvals", s.requestApproval)
		r.Post("/{sessionID}/approvals/{approvalID}/resolve", s.resolveApproval)
	})

	r.Route("/v1/runners", func(r chi.Router) {
		r.Get("/", s.listRunners)
		r.Get("/{runnerID}", s.getRunner)
	})

	r.Get("/v1/builds/recommended", s.getRecommendedBuild)

	r.Get("/ws", hub.ServeWS)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

type createSessionRequest struct {
	OrgID          string             `json:"orgID"`
	Provider       domain.ProviderID  `json:"provider"`
	Repo           domain.Repo        `json:"repo"`
	Task           string             `json:"task"`
	TimeoutMinutes *int               `json:"timeoutMinutes,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	var req createSessionRequest
	if !decodeJSON(w, r, start, &req) {
		return
	}
	session, err := s.coordinator.Create(r.Context(), req.OrgID, req.Provider, req.Repo, req.Task, domain.CreateOptions{TimeoutMinutes: req.TimeoutMinutes})
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteCreated(w, start, session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	session, err := s.coordinator.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, session)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	page, pageSize := pagination(r)
	orgID := r.URL.Query().Get("orgID")
	stateFilter := domain.SessionState(r.URL.Query().Get("state"))

	items, total := s.coordinator.List(r.Context(), orgID, page, pageSize, stateFilter)
	envelope.WriteOK(w, start, envelope.PageResult{
		Items: items, Total: total, Page: page, PageSize: pageSize,
		HasMore: (page)*pageSize < total,
	})
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	var body struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSONOptional(r, &body)
	session, err := s.coordinator.Stop(r.Context(), chi.URLParam(r, "sessionID"), body.Reason)
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, session)
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	session, err := s.coordinator.Pause(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, session)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	session, err := s.coordinator.Resume(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, session)
}

type requestApprovalRequest struct {
	Action      domain.ApprovalAction `json:"action"`
	Description string                `json:"description"`
	Context     map[string]any        `json:"context"`
}

func (s *Server) requestApproval(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	var req requestApprovalRequest
	if !decodeJSON(w, r, start, &req) {
		return
	}
	approval, err := s.coordinator.RequestApproval(r.Context(), chi.URLParam(r, "sessionID"), req.Action, req.Description, req.Context)
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteCreated(w, start, approval)
}

type resolveApprovalRequest struct {
	Decision domain.ApprovalDecision `json:"decision"`
	Reason   string                  `json:"reason"`
}

func (s *Server) resolveApproval(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	var req resolveApprovalRequest
	if !decodeJSON(w, r, start, &req) {
		return
	}
	session, err := s.coordinator.ResolveApproval(r.Context(), chi.URLParam(r, "sessionID"), chi.URLParam(r, "approvalID"), req.Decision, req.Reason)
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, session)
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	page, pageSize := pagination(r)
	statusFilter := domain.RunnerStatus(r.URL.Query().Get("status"))
	items, total := s.fleet.ListRunners(r.Context(), page, pageSize, statusFilter)
	envelope.WriteOK(w, start, envelope.PageResult{
		Items: items, Total: total, Page: page, PageSize: pageSize,
		HasMore: (page)*pageSize < total,
	})
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	runner, err := s.fleet.GetRunner(r.Context(), chi.URLParam(r, "runnerID"))
	if err != nil {
		envelope.WriteError(w, start, err)
		return
	}
	envelope.WriteOK(w, start, runner)
}

func (s *Server) getRecommendedBuild(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	channel := domain.Channel(r.URL.Query().Get("channel"))
	if channel == "" {
		channel = domain.ChannelStable
	}
	build, ok := s.pipeline.GetRecommendedBuild(r.Context(), channel)
	if !ok {
		envelope.WriteError(w, start, recommendedBuildNotFound(channel))
		return
	}
	envelope.WriteOK(w, start, build)
}

func pagination(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if page <= 0 {
		page = 1
	}
	return page, pageSize
}

func requestStart(_ *http.Request) time.Time { return time.Now() }

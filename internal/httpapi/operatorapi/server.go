// Package operatorapi implements the administrative HTTP surface: build
// registration, canary runs, rollout control, and sweep triggering. Kept on
// its own router/port from the client and runner APIs to mirror the
// operator-only trust domain (spec §6).
package operatorapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/r3e-network/fleetctl/internal/apierrors"
	"github.com/r3e-network/fleetctl/internal/domain"
	"github.com/r3e-network/fleetctl/internal/envelope"
	"github.com/r3e-network/fleetctl/internal/updatepipeline"
)

// Server wires the Update Pipeline's operator-facing operations behind gin.
type Server struct {
	engine   *gin.Engine
	pipeline *updatepipeline.Pipeline
}

// New builds the operator API router.
func New(pipeline *updatepipeline.Pipeline) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, pipeline: pipeline}

	v1 := engine.Group("/v1")
	{
		v1.POST("/builds", s.registerBuild)
		v1.GET("/builds/:buildID", s.getBuild)
		v1.POST("/builds/:buildID/promote", s.promoteBuild)
		v1.POST("/builds/:buildID/deprecate", s.deprecateBuild)
		v1.POST("/builds/:buildID/mark-bad", s.markBuildBad)

		v1.POST("/builds/:buildID/canary", s.runCanary)

		v1.POST("/rollouts", s.initiateRollout)
		v1.GET("/rollouts/:rolloutID", s.getRollout)
		v1.POST("/rollouts/:rolloutID/advance", s.advanceRollout)
		v1.POST("/rollouts/:rolloutID/pause", s.pauseRollout)
		v1.POST("/rollouts/:rolloutID/resume", s.resumeRollout)
		v1.POST("/rollouts/:rolloutID/rollback", s.rollbackRollout)
		v1.GET("/rollouts/events", s.listRolloutEvents)

		v1.POST("/sweeps", s.triggerSweep)
		v1.GET("/sweeps/:jobID", s.getSweepJob)
		v1.POST("/sweeps/:jobID/cancel", s.cancelSweep)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.engine.ServeHTTP(w, r) }

func ok(c *gin.Context, start time.Time, data any) {
	envelope.WriteOK(c.Writer, start, data)
}

func created(c *gin.Context, start time.Time, data any) {
	envelope.WriteCreated(c.Writer, start, data)
}

func fail(c *gin.Context, start time.Time, err error) {
	envelope.WriteError(c.Writer, start, err)
}

func bind(c *gin.Context, start time.Time, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, start, apierrors.Invalid(apierrors.CodeInvalidInput, "malformed request body"))
		return false
	}
	return true
}

func (s *Server) registerBuild(c *gin.Context) {
	start := time.Now()
	var build domain.Build
	if !bind(c, start, &build) {
		return
	}
	entry := s.pipeline.Registry.RegisterBuild(c.Request.Context(), build)
	created(c, start, entry)
}

func (s *Server) getBuild(c *gin.Context) {
	start := time.Now()
	entry, err := s.pipeline.Registry.GetBuild(c.Request.Context(), c.Param("buildID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, entry)
}

func (s *Server) promoteBuild(c *gin.Context) {
	start := time.Now()
	entry, err := s.pipeline.Registry.PromoteBuild(c.Request.Context(), c.Param("buildID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, entry)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) deprecateBuild(c *gin.Context) {
	start := time.Now()
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	entry, err := s.pipeline.Registry.DeprecateBuild(c.Request.Context(), c.Param("buildID"), req.Reason)
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, entry)
}

func (s *Server) markBuildBad(c *gin.Context) {
	start := time.Now()
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	entry, err := s.pipeline.Registry.MarkBuildBad(c.Request.Context(), c.Param("buildID"), req.Reason)
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, entry)
}

type runCanaryRequest struct {
	ProviderID domain.ProviderID `json:"providerID"`
	Suites     []domain.Suite    `json:"suites"`
}

func (s *Server) runCanary(c *gin.Context) {
	start := time.Now()
	var req runCanaryRequest
	if !bind(c, start, &req) {
		return
	}
	results := s.pipeline.RunCanaryAndRegister(c.Request.Context(), c.Param("buildID"), req.ProviderID, req.Suites)
	ok(c, start, results)
}

type initiateRolloutRequest struct {
	Build        domain.Build        `json:"build"`
	Channel      domain.Channel      `json:"channel"`
	CanaryResult *domain.CanaryResult `json:"canaryResult,omitempty"`
}

func (s *Server) initiateRollout(c *gin.Context) {
	start := time.Now()
	var req initiateRolloutRequest
	if !bind(c, start, &req) {
		return
	}
	rollout, err := s.pipeline.Rollout.InitiateRollout(c.Request.Context(), req.Build, req.Channel, req.CanaryResult)
	if err != nil {
		fail(c, start, err)
		return
	}
	created(c, start, rollout)
}

func (s *Server) getRollout(c *gin.Context) {
	start := time.Now()
	rollout, err := s.pipeline.Rollout.GetRollout(c.Request.Context(), c.Param("rolloutID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, rollout)
}

func (s *Server) advanceRollout(c *gin.Context) {
	start := time.Now()
	rollout, err := s.pipeline.Rollout.AdvanceRollout(c.Request.Context(), c.Param("rolloutID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, rollout)
}

func (s *Server) pauseRollout(c *gin.Context) {
	start := time.Now()
	rollout, err := s.pipeline.Rollout.PauseRollout(c.Request.Context(), c.Param("rolloutID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, rollout)
}

func (s *Server) resumeRollout(c *gin.Context) {
	start := time.Now()
	rollout, err := s.pipeline.Rollout.ResumeRollout(c.Request.Context(), c.Param("rolloutID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, rollout)
}

func (s *Server) rollbackRollout(c *gin.Context) {
	start := time.Now()
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	rollout, err := s.pipeline.Rollout.Rollback(c.Request.Context(), c.Param("rolloutID"), req.Reason)
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, rollout)
}

func (s *Server) listRolloutEvents(c *gin.Context) {
	start := time.Now()
	ok(c, start, s.pipeline.Rollout.ListEvents(c.Request.Context()))
}

type triggerSweepRequest struct {
	Build  domain.Build        `json:"build"`
	Repos  []domain.RepoRef    `json:"repos"`
	Config domain.SweepConfig  `json:"config"`
}

func (s *Server) triggerSweep(c *gin.Context) {
	start := time.Now()
	var req triggerSweepRequest
	if !bind(c, start, &req) {
		return
	}
	job, err := s.pipeline.TriggerSweepAfterRollout(c.Request.Context(), req.Build, req.Repos, req.Config)
	if err != nil {
		fail(c, start, err)
		return
	}
	created(c, start, job)
}

func (s *Server) getSweepJob(c *gin.Context) {
	start := time.Now()
	job, err := s.pipeline.Sweep.GetJob(c.Request.Context(), c.Param("jobID"))
	if err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, job)
}

func (s *Server) cancelSweep(c *gin.Context) {
	start := time.Now()
	if err := s.pipeline.Sweep.CancelSweep(c.Request.Context(), c.Param("jobID")); err != nil {
		fail(c, start, err)
		return
	}
	ok(c, start, gin.H{"cancelled": true})
}

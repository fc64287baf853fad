// Package api serves the core's public HTTP surface: capture, step
// transitions, progress, and the event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/blopit/microtask/pkg/capture"
	"github.com/blopit/microtask/pkg/domainerr"
	"github.com/blopit/microtask/pkg/models"
	"github.com/blopit/microtask/pkg/runtime"
	"github.com/blopit/microtask/pkg/store"
)

// healthChecker reports storage health for GET /health.
type healthChecker func(ctx context.Context) error

// Server wires the pipeline, runtime, and store behind gin routes.
type Server struct {
	router   *gin.Engine
	pipeline *capture.Pipeline
	runtime  *runtime.Runtime
	store    *store.Store
	health   healthChecker
}

// NewServer builds the router. health may be nil (always healthy).
func NewServer(pipeline *capture.Pipeline, rt *runtime.Runtime, st *store.Store, health healthChecker) *Server {
	s := &Server{
		router:   gin.New(),
		pipeline: pipeline,
		runtime:  rt,
		store:    st,
		health:   health,
	}
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler exposes the router for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.POST("/capture", s.handleCapture)
	s.router.POST("/steps/:step_id/start", s.handleStartStep)
	s.router.POST("/steps/:step_id/complete", s.handleCompleteStep)
	s.router.POST("/steps/:step_id/cancel", s.handleCancelStep)
	s.router.POST("/steps/:step_id/resolve", s.handleResolveClarification)
	s.router.GET("/tasks/:task_id/progress", s.handleProgress)
	s.router.GET("/events", s.handleEvents)
	s.router.GET("/health", s.handleHealth)
}

func (s *Server) handleCapture(c *gin.Context) {
	var req CaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domainerr.New(domainerr.CodeValidation, err.Error(), domainerr.ErrValidation))
		return
	}
	if req.Mode == "" {
		req.Mode = string(capture.ModeAuto)
	}
	mode, err := capture.ParseMode(req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}

	res, err := s.pipeline.Capture(c.Request.Context(), req.UserID, req.Text, mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCaptureResponse(res))
}

func (s *Server) handleStartStep(c *gin.Context) {
	stepID, err := parseStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	res, err := s.runtime.StartStep(c.Request.Context(), stepID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StepTransitionResponse{
		Step:          toStepResponse(res.Step),
		EmittedEvents: eventTypes(res.Events),
	})
}

func (s *Server) handleCompleteStep(c *gin.Context) {
	stepID, err := parseStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req CompleteStepRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, domainerr.New(domainerr.CodeValidation, err.Error(), domainerr.ErrValidation))
		return
	}
	res, err := s.runtime.CompleteStep(c.Request.Context(), stepID, req.ActualMinutes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CompleteStepResponse{
		Step:      toStepResponse(res.Step),
		XPAwarded: res.XPAwarded,
		Streak:    res.StreakDays,
	})
}

func (s *Server) handleCancelStep(c *gin.Context) {
	stepID, err := parseStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req CancelStepRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondError(c, domainerr.New(domainerr.CodeValidation, err.Error(), domainerr.ErrValidation))
		return
	}
	res, err := s.runtime.CancelStep(c.Request.Context(), stepID, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StepTransitionResponse{
		Step:          toStepResponse(res.Step),
		EmittedEvents: eventTypes(res.Events),
	})
}

func (s *Server) handleResolveClarification(c *gin.Context) {
	stepID, err := parseStepID(c)
	if err != nil {
		respondError(c, err)
		return
	}
	var req ResolveClarificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domainerr.New(domainerr.CodeValidation, err.Error(), domainerr.ErrValidation))
		return
	}
	res, err := s.pipeline.ResolveClarification(c.Request.Context(), stepID, req.Field, req.Answer)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ResolveClarificationResponse{
		Step:      toStepResponse(res.Step),
		Resolved:  res.Resolved,
		Persisted: res.Persisted,
	})
}

func (s *Server) handleProgress(c *gin.Context) {
	taskID, err := uuid.Parse(c.Param("task_id"))
	if err != nil {
		respondError(c, domainerr.New(domainerr.CodeValidation, "invalid task_id", domainerr.ErrValidation))
		return
	}
	p, err := s.store.GetProgress(c.Request.Context(), taskID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ProgressResponse{
		Total:         p.Total,
		Completed:     p.Completed,
		InProgress:    p.InProgress,
		Percent:       p.Percent,
		MinutesEst:    p.TotalMinutesEst,
		MinutesActual: p.TotalMinutesActual,
	})
}

func (s *Server) handleEvents(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		respondError(c, domainerr.New(domainerr.CodeValidation, "user_id is required", domainerr.ErrValidation))
		return
	}
	var since *uuid.UUID
	if raw := c.Query("since"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(c, domainerr.New(domainerr.CodeValidation, "invalid since event_id", domainerr.ErrValidation))
			return
		}
		since = &id
	}

	events, err := s.store.ListEvents(c.Request.Context(), userID, since, 0)
	if err != nil {
		respondError(c, err)
		return
	}
	if events == nil {
		events = []models.Event{}
	}
	c.JSON(http.StatusOK, toEventResponses(events))
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func parseStepID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("step_id"))
	if err != nil {
		return uuid.Nil, domainerr.New(domainerr.CodeValidation, "invalid step_id", domainerr.ErrValidation)
	}
	return id, nil
}

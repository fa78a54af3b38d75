// Package http exposes run orchestration over a REST surface. Runs started
// here stream their notifications to the event bus mirror; the WebSocket
// gateway is the push channel for interactive callers.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// Handlers holds the REST handlers for run orchestration.
type Handlers struct {
	registry *run.Registry
	logger   *logger.Logger
}

// NewHandlers creates the REST handlers.
func NewHandlers(registry *run.Registry, log *logger.Logger) *Handlers {
	return &Handlers{
		registry: registry,
		logger:   log.WithFields(zap.String("component", "http_handlers")),
	}
}

// RegisterRoutes mounts the run routes on a router group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/runs", h.listRuns)
	rg.GET("/runs/:id", h.getRun)
	rg.POST("/runs", h.startRun)
	rg.POST("/runs/:id/decision", h.decide)
	rg.POST("/runs/:id/stop", h.stop)
}

// respondError maps an orchestrator error onto an HTTP status.
func respondError(c *gin.Context, err error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr.Code, "message": appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": err.Error()})
}

func (h *Handlers) listRuns(c *gin.Context) {
	runs := h.registry.List()
	c.JSON(http.StatusOK, gin.H{"runs": runs, "total": len(runs)})
}

func (h *Handlers) getRun(c *gin.Context) {
	info, err := h.registry.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// startRun admits a run whose notifications go to the event bus only. REST
// callers follow the stream by subscribing to the bus or the WebSocket
// gateway; there is no push channel on this surface.
func (h *Handlers) startRun(c *gin.Context) {
	var req v1.StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": err.Error()})
		return
	}

	info, err := h.registry.Start(run.StartOptions{
		CallerID:   req.CallerID,
		Task:       req.Task,
		Mode:       req.Mode,
		Model:      req.Model,
		MaxTurns:   req.MaxTurns,
		GatedTools: req.GatedTools,
		WorkDir:    req.WorkDir,
		Emit:       func(v1.Notification) {},
		OnComplete: func(runID string) {
			h.logger.Debug("run completed", zap.String("run_id", runID))
		},
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (h *Handlers) decide(c *gin.Context) {
	var req v1.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_REQUEST", "message": err.Error()})
		return
	}
	if req.CallID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "VALIDATION_ERROR", "message": "call_id is required"})
		return
	}

	if err := h.registry.Decide(c.Param("id"), req.CallID, req.Decision); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handlers) stop(c *gin.Context) {
	var req v1.StopRequest
	// Body is optional for stop.
	_ = c.ShouldBindJSON(&req)

	if err := h.registry.Stop(c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

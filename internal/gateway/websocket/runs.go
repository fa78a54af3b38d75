package websocket

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run"
	v1 "github.com/runforge/runforge/pkg/api/v1"
	ws "github.com/runforge/runforge/pkg/websocket"
)

// notificationAction maps a run notification kind to its wire action.
var notificationAction = map[string]string{
	v1.KindStatus:   ws.ActionRunStatus,
	v1.KindEvent:    ws.ActionRunEvent,
	v1.KindApproval: ws.ActionRunApproval,
	v1.KindError:    ws.ActionRunError,
	v1.KindPing:     ws.ActionRunPing,
}

// RunHandler exposes run orchestration over the WebSocket gateway.
type RunHandler struct {
	registry *run.Registry
	hub      *Hub
	logger   *logger.Logger
}

// NewRunHandler creates a RunHandler and registers its actions.
func NewRunHandler(registry *run.Registry, hub *Hub, log *logger.Logger) *RunHandler {
	h := &RunHandler{
		registry: registry,
		hub:      hub,
		logger:   log.WithFields(zap.String("component", "ws_run_handler")),
	}
	d := hub.Dispatcher()
	d.RegisterFunc(ws.ActionRunStart, h.handleStart)
	d.RegisterFunc(ws.ActionRunDecision, h.handleDecision)
	d.RegisterFunc(ws.ActionRunStop, h.handleStop)
	d.RegisterFunc(ws.ActionRunList, h.handleList)
	d.RegisterFunc(ws.ActionRunGet, h.handleGet)
	return h
}

// errorResponse converts an orchestrator error into a wire error message.
func errorResponse(msg *ws.Message, err error) (*ws.Message, error) {
	if appErr, ok := apperrors.AsAppError(err); ok {
		return ws.NewError(msg.ID, msg.Action, appErr.Code, appErr.Message)
	}
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error())
}

// handleStart admits a run for the requesting client. The client receives
// the run's notification stream directly; other clients can observe it via
// run.subscribe.
func (h *RunHandler) handleStart(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.StartRunRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}

	client, _ := ClientFromContext(ctx)
	if req.CallerID == "" && client != nil {
		req.CallerID = client.ID
	}

	emit := func(n v1.Notification) {
		action, ok := notificationAction[n.Kind]
		if !ok {
			return
		}
		note, err := ws.NewNotification(action, n)
		if err != nil {
			h.logger.Error("Failed to build notification", zap.Error(err))
			return
		}
		if client != nil {
			client.sendMessage(note)
		}
		h.hub.NotifyRun(n.RunID, note)
	}

	info, err := h.registry.Start(run.StartOptions{
		CallerID:   req.CallerID,
		Task:       req.Task,
		Mode:       req.Mode,
		Model:      req.Model,
		MaxTurns:   req.MaxTurns,
		GatedTools: req.GatedTools,
		WorkDir:    req.WorkDir,
		Emit:       emit,
		OnComplete: func(runID string) {
			h.logger.Debug("Run completed", zap.String("run_id", runID))
		},
	})
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, info)
}

func (h *RunHandler) handleDecision(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.DecisionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RunID == "" || req.CallID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "run_id and call_id are required")
	}

	if err := h.registry.Decide(req.RunID, req.CallID, req.Decision); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"run_id":  req.RunID,
		"call_id": req.CallID,
	})
}

func (h *RunHandler) handleStop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.StopRequest
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RunID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "run_id is required")
	}

	if err := h.registry.Stop(req.RunID, req.Reason); err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success": true,
		"run_id":  req.RunID,
	})
}

func (h *RunHandler) handleList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"runs": h.registry.List(),
	})
}

func (h *RunHandler) handleGet(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req struct {
		RunID string `json:"run_id"`
	}
	if err := msg.ParsePayload(&req); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error())
	}
	if req.RunID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "run_id is required")
	}

	info, err := h.registry.Get(req.RunID)
	if err != nil {
		return errorResponse(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, info)
}

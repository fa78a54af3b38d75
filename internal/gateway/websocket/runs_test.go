package websocket

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/run/agentcmd"
	"github.com/runforge/runforge/internal/run/policy"
	"github.com/runforge/runforge/internal/run/sanitize"
	v1 "github.com/runforge/runforge/pkg/api/v1"
	ws "github.com/runforge/runforge/pkg/websocket"
)

func newTestHandler(t *testing.T) (*RunHandler, *ws.Dispatcher) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	agent := filepath.Join(t.TempDir(), "stub-agent")
	require.NoError(t, os.WriteFile(agent, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	log, err := logger.New("debug")
	require.NoError(t, err)
	pol, err := policy.New(nil, "")
	require.NoError(t, err)
	san := sanitize.New(sanitize.Config{BrandName: "claude", BrandAlias: "assistant", ModelAlias: "workspace-agent"})
	builder := agentcmd.NewBuilder(config.AgentConfig{Binary: agent})
	registry := run.NewRegistry(config.RunnerConfig{
		MaxConcurrentRuns: 5,
		ApprovalTimeout:   30,
		StopGracePeriod:   1,
		KeepAliveInterval: 60,
	}, san, builder, pol, nil, log)

	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	return NewRunHandler(registry, hub, log), dispatcher
}

func request(t *testing.T, action string, payload any) *ws.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &ws.Message{ID: "req-1", Type: ws.MessageTypeRequest, Action: action, Payload: data}
}

func TestRunActionsRegistered(t *testing.T) {
	_, d := newTestHandler(t)

	for _, action := range []string{
		ws.ActionRunStart, ws.ActionRunDecision, ws.ActionRunStop, ws.ActionRunList, ws.ActionRunGet,
	} {
		assert.True(t, d.HasHandler(action), action)
	}
}

func TestDecisionValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.handleDecision(context.Background(), request(t, ws.ActionRunDecision, v1.DecisionRequest{}))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeValidation, payload.Code)
}

func TestDecisionUnknownRunMapsToNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.handleDecision(context.Background(),
		request(t, ws.ActionRunDecision, v1.DecisionRequest{RunID: "missing", CallID: "c1", Decision: "approve"}))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, "NOT_FOUND", payload.Code)
}

func TestStopUnknownRun(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.handleStop(context.Background(),
		request(t, ws.ActionRunStop, v1.StopRequest{RunID: "missing"}))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)
}

func TestListEmpty(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.handleList(context.Background(), request(t, ws.ActionRunList, nil))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeResponse, resp.Type)

	var payload struct {
		Runs []v1.RunInfo `json:"runs"`
	}
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Empty(t, payload.Runs)
}

func TestStartRejectsMissingTask(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.handleStart(context.Background(),
		request(t, ws.ActionRunStart, v1.StartRunRequest{CallerID: "caller-1"}))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)
}

func TestUnknownActionDispatch(t *testing.T) {
	_, d := newTestHandler(t)

	resp, err := d.Dispatch(context.Background(), request(t, "run.fly", nil))
	require.NoError(t, err)
	assert.Equal(t, ws.MessageTypeError, resp.Type)

	var payload ws.ErrorPayload
	require.NoError(t, resp.ParsePayload(&payload))
	assert.Equal(t, ws.ErrorCodeUnknownAction, payload.Code)
}

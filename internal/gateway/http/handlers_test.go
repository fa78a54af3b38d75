package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/run/agentcmd"
	"github.com/runforge/runforge/internal/run/policy"
	"github.com/runforge/runforge/internal/run/sanitize"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	gin.SetMode(gin.TestMode)

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

	router := gin.New()
	NewHandlers(registry, log).RegisterRoutes(router.Group("/api/v1"))
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestListRunsEmpty(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/runs", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Runs  []v1.RunInfo `json:"runs"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Zero(t, resp.Total)
}

func TestGetUnknownRun(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartRunValidation(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", v1.StartRunRequest{CallerID: "caller-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStartAndStopRun(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs", v1.StartRunRequest{
		CallerID: "caller-1",
		Task:     "list files",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var info v1.RunInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "caller-1", info.CallerID)

	// The stub exits immediately; stop is a no-op once it has ended and an
	// error only for unknown identifiers.
	w = doJSON(t, router, http.MethodPost, "/api/v1/runs/"+info.ID+"/stop", v1.StopRequest{Reason: "test"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDecisionUnknownRun(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs/missing/decision",
		v1.DecisionRequest{CallID: "c1", Decision: "approve"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDecisionMissingCallID(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/runs/some-run/decision", v1.DecisionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

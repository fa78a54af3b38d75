package agentcmd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
)

func TestBuildDefaultArgs(t *testing.T) {
	b := NewBuilder(config.AgentConfig{Binary: "/usr/bin/true"})
	cmd, err := b.Build(Options{Task: "summarize the logs", Mode: "manual"})
	require.NoError(t, err)

	assert.Equal(t, "/usr/bin/true", cmd.Path)
	assert.Equal(t, []string{
		"-p", "summarize the logs",
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", "default",
	}, cmd.Args)
}

func TestBuildAutoModeAndOverrides(t *testing.T) {
	b := NewBuilder(config.AgentConfig{
		Binary:       "/usr/bin/true",
		DefaultModel: "default-model",
		MaxTurns:     10,
	})
	cmd, err := b.Build(Options{Task: "t", Mode: "auto", Model: "custom-model", MaxTurns: 3})
	require.NoError(t, err)

	joined := strings.Join(cmd.Args, " ")
	assert.Contains(t, joined, "--permission-mode acceptEdits")
	assert.Contains(t, joined, "--model custom-model")
	assert.Contains(t, joined, "--max-turns 3")
}

func TestBuildFallsBackToConfiguredDefaults(t *testing.T) {
	b := NewBuilder(config.AgentConfig{
		Binary:       "/usr/bin/true",
		DefaultModel: "default-model",
		MaxTurns:     10,
	})
	cmd, err := b.Build(Options{Task: "t", Mode: "manual"})
	require.NoError(t, err)

	joined := strings.Join(cmd.Args, " ")
	assert.Contains(t, joined, "--model default-model")
	assert.Contains(t, joined, "--max-turns 10")
}

func TestRawArgsTemplate(t *testing.T) {
	b := NewBuilder(config.AgentConfig{
		Binary:  "/usr/bin/true",
		RawArgs: "--custom {{TASK}} --json",
	})
	cmd, err := b.Build(Options{Task: "do-it", Mode: "manual"})
	require.NoError(t, err)

	assert.Equal(t, []string{"--custom", "do-it", "--json"}, cmd.Args)
}

func TestEnvCredentialCrossAlias(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "")

	b := NewBuilder(config.AgentConfig{Binary: "/usr/bin/true"})
	cmd, err := b.Build(Options{Task: "t", Mode: "manual"})
	require.NoError(t, err)

	env := strings.Join(cmd.Env, "\n")
	assert.Contains(t, env, "ANTHROPIC_API_KEY=sk-test")
	assert.Contains(t, env, "CLAUDE_CODE_OAUTH_TOKEN=sk-test")
	assert.Contains(t, env, "RUNFORGE_MANAGED=1")
}

func TestEnvTelemetryDisable(t *testing.T) {
	b := NewBuilder(config.AgentConfig{Binary: "/usr/bin/true", DisableTelemetry: true})
	cmd, err := b.Build(Options{Task: "t", Mode: "manual"})
	require.NoError(t, err)

	env := strings.Join(cmd.Env, "\n")
	assert.Contains(t, env, "DISABLE_TELEMETRY=1")
}

func TestCheckCredentials(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "")

	b := NewBuilder(config.AgentConfig{})
	err := b.CheckCredentials()
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeServiceUnavailable, appErr.Code)

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	assert.NoError(t, b.CheckCredentials())
}

func TestResolveBinaryMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	b := NewBuilder(config.AgentConfig{})
	_, err := b.Build(Options{Task: "t", Mode: "manual"})
	assert.Error(t, err)
}

// Package agentcmd builds the command line and environment used to launch
// the external agent CLI for a run.
package agentcmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
)

const (
	// taskPlaceholder is substituted with the run's task text when the
	// operator supplies a raw argument template.
	taskPlaceholder = "{{TASK}}"

	apiKeyEnv     = "ANTHROPIC_API_KEY"
	oauthTokenEnv = "CLAUDE_CODE_OAUTH_TOKEN"
)

// Options carries the per-run parameters the command line depends on.
type Options struct {
	Task     string
	Mode     string // "auto" or "manual"
	Model    string // overrides the configured default when non-empty
	MaxTurns int    // overrides the configured default when > 0
	WorkDir  string
}

// Command is a fully resolved launch plan.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Builder resolves the agent binary and assembles launch plans.
type Builder struct {
	cfg config.AgentConfig
}

// NewBuilder creates a Builder from agent configuration.
func NewBuilder(cfg config.AgentConfig) *Builder {
	return &Builder{cfg: cfg}
}

// CheckCredentials verifies that at least one agent credential is present in
// the environment. Admission uses this to fail fast instead of spawning a
// process that will immediately die asking for login.
func (b *Builder) CheckCredentials() error {
	if os.Getenv(apiKeyEnv) != "" || os.Getenv(oauthTokenEnv) != "" {
		return nil
	}
	return apperrors.ServiceUnavailable(
		fmt.Sprintf("no agent credentials found: set %s or %s", apiKeyEnv, oauthTokenEnv))
}

// Build resolves the binary and produces the full launch plan for a run.
func (b *Builder) Build(opts Options) (Command, error) {
	path, err := b.resolveBinary()
	if err != nil {
		return Command{}, err
	}
	return Command{
		Path: path,
		Args: b.buildArgs(opts),
		Env:  b.buildEnv(),
		Dir:  opts.WorkDir,
	}, nil
}

// resolveBinary locates the agent executable: explicit config override first,
// then the user-local install location, then PATH.
func (b *Builder) resolveBinary() (string, error) {
	if b.cfg.Binary != "" {
		return b.cfg.Binary, nil
	}
	if home, err := os.UserHomeDir(); err == nil {
		local := filepath.Join(home, ".claude", "local", "claude")
		if info, err := os.Stat(local); err == nil && !info.IsDir() {
			return local, nil
		}
	}
	path, err := exec.LookPath("claude")
	if err != nil {
		return "", apperrors.ServiceUnavailable("agent binary not found in PATH; set agent.binary")
	}
	return path, nil
}

// buildArgs assembles the argument list. A raw template from configuration
// replaces the built-in flags entirely.
func (b *Builder) buildArgs(opts Options) []string {
	if b.cfg.RawArgs != "" {
		raw := strings.Fields(b.cfg.RawArgs)
		args := make([]string, 0, len(raw))
		for _, a := range raw {
			args = append(args, strings.ReplaceAll(a, taskPlaceholder, opts.Task))
		}
		return args
	}

	permissionMode := "default"
	if opts.Mode == "auto" {
		permissionMode = "acceptEdits"
	}

	args := []string{
		"-p", opts.Task,
		"--output-format", "stream-json",
		"--verbose",
		"--permission-mode", permissionMode,
	}

	model := opts.Model
	if model == "" {
		model = b.cfg.DefaultModel
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = b.cfg.MaxTurns
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}

	return args
}

// buildEnv merges the parent environment with agent-specific overrides.
// Credentials are cross-aliased so either form of credential satisfies a
// binary that only reads the other.
func (b *Builder) buildEnv() []string {
	base := make(map[string]string, 64)
	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			base[entry[:eq]] = entry[eq+1:]
		}
	}

	if base[apiKeyEnv] == "" && base[oauthTokenEnv] != "" {
		base[apiKeyEnv] = base[oauthTokenEnv]
	}
	if base[oauthTokenEnv] == "" && base[apiKeyEnv] != "" {
		base[oauthTokenEnv] = base[apiKeyEnv]
	}

	base["RUNFORGE_MANAGED"] = "1"
	if b.cfg.DisableTelemetry {
		base["DISABLE_TELEMETRY"] = "1"
		base["CLAUDE_CODE_DISABLE_NONESSENTIAL_TRAFFIC"] = "1"
	}

	env := make([]string, 0, len(base))
	for k, v := range base {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run/agentcmd"
	"github.com/runforge/runforge/internal/run/approval"
	"github.com/runforge/runforge/internal/run/policy"
	"github.com/runforge/runforge/internal/run/process"
	"github.com/runforge/runforge/internal/run/sanitize"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// writeStubAgent writes a shell script that stands in for the agent binary.
// The script ignores the argument template and just plays back a canned
// conversation on stdout/stdin.
func writeStubAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-agent")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func newTestRegistry(t *testing.T, agentPath string, runnerCfg config.RunnerConfig) *Registry {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "test-key")

	if runnerCfg.MaxConcurrentRuns == 0 {
		runnerCfg.MaxConcurrentRuns = 5
	}
	if runnerCfg.ApprovalTimeout == 0 {
		runnerCfg.ApprovalTimeout = 30
	}
	if runnerCfg.StopGracePeriod == 0 {
		runnerCfg.StopGracePeriod = 1
	}
	if runnerCfg.KeepAliveInterval == 0 {
		runnerCfg.KeepAliveInterval = 60
	}

	log, err := logger.New("debug")
	require.NoError(t, err)
	pol, err := policy.New(nil, "")
	require.NoError(t, err)
	san := sanitize.New(sanitize.Config{
		BrandName:  "claude",
		BrandAlias: "assistant",
		ModelAlias: "workspace-agent",
	})
	builder := agentcmd.NewBuilder(config.AgentConfig{Binary: agentPath})

	return NewRegistry(runnerCfg, san, builder, pol, nil, log)
}

// collector records notifications and completion callbacks for one run.
type collector struct {
	mu        sync.Mutex
	notes     []v1.Notification
	completed atomic.Int32
}

func (c *collector) emit(n v1.Notification) {
	c.mu.Lock()
	c.notes = append(c.notes, n)
	c.mu.Unlock()
}

func (c *collector) complete(string) {
	c.completed.Add(1)
}

func (c *collector) snapshot() []v1.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]v1.Notification, len(c.notes))
	copy(out, c.notes)
	return out
}

// waitFor polls until a notification matching the predicate appears.
func (c *collector) waitFor(t *testing.T, what string, match func(v1.Notification) bool) v1.Notification {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range c.snapshot() {
			if match(n) {
				return n
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; saw %+v", what, c.snapshot())
	return v1.Notification{}
}

func (c *collector) waitForStatus(t *testing.T, status string) v1.Notification {
	t.Helper()
	return c.waitFor(t, "status "+status, func(n v1.Notification) bool {
		return n.Kind == v1.KindStatus && n.Status == status
	})
}

func (c *collector) terminalCount() int {
	count := 0
	for _, n := range c.snapshot() {
		if n.Kind != v1.KindStatus {
			continue
		}
		switch n.Status {
		case v1.RunStatusDone, v1.RunStatusStopped, v1.RunStatusError:
			count++
		}
	}
	return count
}

func startRun(t *testing.T, r *Registry, c *collector, opts StartOptions) v1.RunInfo {
	t.Helper()
	opts.Emit = c.emit
	opts.OnComplete = c.complete
	info, err := r.Start(opts)
	require.NoError(t, err)
	return info
}

func TestHappyPath(t *testing.T) {
	agent := writeStubAgent(t, `echo '{"type":"result","content":"two files found"}'`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "list files"})

	done := c.waitForStatus(t, v1.RunStatusDone)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	notes := c.snapshot()
	assert.Equal(t, v1.RunStatusStarted, notes[0].Status)
	assert.Equal(t, v1.RunStatusRunning, notes[1].Status)

	c.waitFor(t, "result event", func(n v1.Notification) bool {
		if n.Kind != v1.KindEvent {
			return false
		}
		m, ok := n.Payload.(map[string]any)
		return ok && m["type"] == "result"
	})

	assert.Eventually(t, func() bool {
		return len(r.List()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), c.completed.Load())

	_, err := r.Get(info.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestGlobalConcurrencyCeiling(t *testing.T) {
	agent := writeStubAgent(t, `sleep 10`)
	r := newTestRegistry(t, agent, config.RunnerConfig{MaxConcurrentRuns: 1})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})

	_, err := r.Start(StartOptions{CallerID: "caller-2", Task: "t", Emit: c.emit})
	require.Error(t, err)
	assert.True(t, apperrors.IsLimitExceeded(err))

	require.NoError(t, r.Stop(info.ID, ""))
}

func TestPerCallerExclusivity(t *testing.T) {
	agent := writeStubAgent(t, `sleep 10`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})

	_, err := r.Start(StartOptions{CallerID: "caller-1", Task: "t", Emit: c.emit})
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeConflict, appErr.Code)

	c2 := &collector{}
	info2 := startRun(t, r, c2, StartOptions{CallerID: "caller-2", Task: "t"})

	require.NoError(t, r.Stop(info.ID, ""))
	require.NoError(t, r.Stop(info2.ID, ""))
}

func TestAtMostOnceCleanup(t *testing.T) {
	agent := writeStubAgent(t, `exit 0`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})

	// Race explicit stop against process self-exit.
	for i := 0; i < 5; i++ {
		_ = r.Stop(info.ID, "racing stop")
	}

	c.waitFor(t, "terminal status", func(n v1.Notification) bool {
		return n.Kind == v1.KindStatus &&
			(n.Status == v1.RunStatusDone || n.Status == v1.RunStatusStopped)
	})
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, c.terminalCount())
	assert.Equal(t, int32(1), c.completed.Load())
}

func TestGatedToolFlow(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"tool_name":"Bash","tool_use_id":"c1","input":{"command":"ls"}}'
read line
printf '{"ack":"%s"}\n' "$line"
`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t", Mode: v1.ModeManual})

	appr := c.waitFor(t, "approval request", func(n v1.Notification) bool {
		return n.Kind == v1.KindApproval
	})
	assert.Equal(t, "c1", appr.CallID)
	assert.Equal(t, "Bash", appr.Tool)
	assert.NotEmpty(t, appr.Prompt)

	require.NoError(t, r.Decide(info.ID, "c1", "approve"))

	ack := c.waitFor(t, "ack event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["ack"] != nil
	})
	assert.Equal(t, "yes", ack.Payload.(map[string]any)["ack"])

	c.waitForStatus(t, v1.RunStatusDone)
}

func TestApprovalRaceSafety(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"tool_name":"Bash","tool_use_id":"c1","input":{"command":"ls"}}'
read line
printf '{"ack":"%s"}\n' "$line"
`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})

	// Resolve from inside the emit callback, before the prompt is even
	// observable; registration must already be visible.
	decideErr := make(chan error, 1)
	c2 := &collector{}
	emit := func(n v1.Notification) {
		c2.emit(n)
		if n.Kind == v1.KindApproval {
			decideErr <- r.Decide(n.RunID, n.CallID, "approve")
		}
	}

	_, err := r.Start(StartOptions{
		CallerID: "caller-1", Task: "t", Mode: v1.ModeManual,
		Emit: emit, OnComplete: c2.complete,
	})
	require.NoError(t, err)

	require.NoError(t, <-decideErr)
	ack := c2.waitFor(t, "ack event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["ack"] != nil
	})
	assert.Equal(t, "yes", ack.Payload.(map[string]any)["ack"])
}

func TestApprovalTimeoutCollapsesToDeny(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"tool_name":"Bash","tool_use_id":"c1","input":{"command":"ls"}}'
read line
printf '{"ack":"%s"}\n' "$line"
sleep 3
`)
	r := newTestRegistry(t, agent, config.RunnerConfig{ApprovalTimeout: 1})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t", Mode: v1.ModeManual})

	c.waitFor(t, "approval request", func(n v1.Notification) bool {
		return n.Kind == v1.KindApproval
	})

	ack := c.waitFor(t, "ack event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["ack"] != nil
	})
	assert.Equal(t, "no", ack.Payload.(map[string]any)["ack"])

	// Late decision, run still alive: the entry is gone.
	err := r.Decide(info.ID, "c1", "approve")
	assert.True(t, apperrors.IsNotPending(err))

	require.NoError(t, r.Stop(info.ID, ""))
}

func TestDangerOverridesApproval(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"tool_name":"Bash","tool_use_id":"c1","input":{"command":"rm -rf /"}}'
read line
printf '{"ack":"%s"}\n' "$line"
`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t", Mode: v1.ModeManual})

	c.waitFor(t, "approval request", func(n v1.Notification) bool {
		return n.Kind == v1.KindApproval
	})
	require.NoError(t, r.Decide(info.ID, "c1", "approve"))

	c.waitFor(t, "danger error", func(n v1.Notification) bool {
		return n.Kind == v1.KindError && n.CallID == "c1"
	})

	ack := c.waitFor(t, "ack event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["ack"] != nil
	})
	assert.Equal(t, "no", ack.Payload.(map[string]any)["ack"])
}

func TestAutoModeApprovesWithoutPrompt(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"tool_name":"Bash","tool_use_id":"c1","input":{"command":"ls"}}'
read line
printf '{"ack":"%s"}\n' "$line"
`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t", Mode: v1.ModeAuto})

	ack := c.waitFor(t, "ack event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["ack"] != nil
	})
	assert.Equal(t, "yes", ack.Payload.(map[string]any)["ack"])

	for _, n := range c.snapshot() {
		assert.NotEqual(t, v1.KindApproval, n.Kind)
	}
}

func TestAutoModeStillDeniesDangerous(t *testing.T) {
	agent := writeStubAgent(t, `
echo '{"tool_name":"Bash","tool_use_id":"c1","input":{"command":"rm -rf /"}}'
read line
printf '{"ack":"%s"}\n' "$line"
`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t", Mode: v1.ModeAuto})

	ack := c.waitFor(t, "ack event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["ack"] != nil
	})
	assert.Equal(t, "no", ack.Payload.(map[string]any)["ack"])
}

func TestNonJSONOutputDemotedToTextEvent(t *testing.T) {
	agent := writeStubAgent(t, `echo 'plain diagnostic noise from claude'`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})

	text := c.waitFor(t, "text event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["type"] == "text"
	})
	// Brand tokens are rewritten even on the text path.
	assert.Equal(t, "plain diagnostic noise from assistant", text.Payload.(map[string]any)["text"])
}

func TestSecretsRedactedOnEventPath(t *testing.T) {
	agent := writeStubAgent(t, `echo '{"api_key":"X","nested":{"password":"Y"},"model":"gpt-oss:120b"}'`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})

	ev := c.waitFor(t, "sanitized event", func(n v1.Notification) bool {
		m, ok := n.Payload.(map[string]any)
		return n.Kind == v1.KindEvent && ok && m["model"] != nil
	})
	m := ev.Payload.(map[string]any)
	assert.NotContains(t, m, "api_key")
	assert.Equal(t, "workspace-agent", m["model"])
	nested, ok := m["nested"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, nested, "password")
}

func TestStopUnknownRun(t *testing.T) {
	agent := writeStubAgent(t, `exit 0`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})

	err := r.Stop("no-such-run", "")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStopIsIdempotent(t *testing.T) {
	agent := writeStubAgent(t, `sleep 10`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	info := startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})

	require.NoError(t, r.Stop(info.ID, "first"))
	c.waitForStatus(t, v1.RunStatusStopped)
	require.NoError(t, r.Stop(info.ID, "second"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.terminalCount())
}

func TestDecideUnknownRun(t *testing.T) {
	agent := writeStubAgent(t, `exit 0`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})

	err := r.Decide("no-such-run", "c1", "approve")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestStartValidation(t *testing.T) {
	agent := writeStubAgent(t, `exit 0`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	_, err := r.Start(StartOptions{Task: "t", Emit: c.emit})
	assert.Error(t, err)

	_, err = r.Start(StartOptions{CallerID: "caller-1", Emit: c.emit})
	assert.Error(t, err)

	_, err = r.Start(StartOptions{CallerID: "caller-1", Task: "t"})
	assert.Error(t, err)

	_, err = r.Start(StartOptions{CallerID: "caller-1", Task: "t", Mode: "yolo", Emit: c.emit})
	assert.Error(t, err)
}

func TestStartRequiresCredentials(t *testing.T) {
	agent := writeStubAgent(t, `exit 0`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CLAUDE_CODE_OAUTH_TOKEN", "")

	_, err := r.Start(StartOptions{CallerID: "caller-1", Task: "t", Emit: c.emit})
	require.Error(t, err)
	appErr, ok := apperrors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrCodeServiceUnavailable, appErr.Code)
}

func TestShutdownStopsAllRuns(t *testing.T) {
	agent := writeStubAgent(t, `sleep 10`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c1, c2 := &collector{}, &collector{}

	startRun(t, r, c1, StartOptions{CallerID: "caller-1", Task: "t"})
	startRun(t, r, c2, StartOptions{CallerID: "caller-2", Task: "t"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.Shutdown(ctx)

	assert.Empty(t, r.List())
	c1.waitForStatus(t, v1.RunStatusStopped)
	c2.waitForStatus(t, v1.RunStatusStopped)
}

// A stop can land between registration and spawn. The run wins the terminal
// transition with no process to signal; the spawn path must then notice the
// ended run and terminate the process it just started.
func TestStopDuringSpawnWindowTerminatesProcess(t *testing.T) {
	agent := writeStubAgent(t, `sleep 30`)
	r := newTestRegistry(t, agent, config.RunnerConfig{})
	c := &collector{}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &Run{
		ID:              "run-window",
		CallerID:        "caller-1",
		CreatedAt:       time.Now().UTC(),
		registry:        r,
		pol:             r.pol,
		sanitizer:       r.sanitizer,
		mode:            v1.ModeManual,
		approvalTimeout: time.Second,
		emit:            c.emit,
		onComplete:      c.complete,
		ctx:             ctx,
		cancel:          cancel,
		state:           v1.RunStateCreated,
		done:            make(chan struct{}),
	}
	rn.logger = r.logger.WithRunID(rn.ID)
	rn.broker = approval.NewBroker(rn.logger)
	r.mu.Lock()
	r.runs[rn.ID] = rn
	r.active[rn.CallerID] = rn.ID
	r.mu.Unlock()

	require.NoError(t, r.Stop(rn.ID, "raced stop"))
	require.Equal(t, v1.RunStateEnded, rn.State())

	exited := make(chan struct{})
	proc, err := process.New(process.Config{
		Path:        agent,
		GracePeriod: time.Second,
	}, process.Handlers{
		OnExit: func(int, error) { close(exited) },
	}, rn.logger)
	require.NoError(t, err)
	rn.setProc(proc)
	require.NoError(t, proc.Start())
	if rn.State() == v1.RunStateEnded {
		proc.Stop()
	}

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		t.Fatal("agent process outlived its stopped run")
	}
	assert.Equal(t, 1, c.terminalCount())
	assert.Equal(t, int32(1), c.completed.Load())
}

func TestStopConcurrentWithStart(t *testing.T) {
	agent := writeStubAgent(t, `sleep 30`)
	r := newTestRegistry(t, agent, config.RunnerConfig{MaxConcurrentRuns: 100})

	for i := 0; i < 25; i++ {
		c := &collector{}
		stopDone := make(chan struct{})
		go func() {
			defer close(stopDone)
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				for _, info := range r.List() {
					_ = r.Stop(info.ID, "raced stop")
					return
				}
			}
		}()

		info := startRun(t, r, c, StartOptions{CallerID: fmt.Sprintf("caller-%d", i), Task: "t"})
		<-stopDone
		_ = r.Stop(info.ID, "raced stop")

		c.waitForStatus(t, v1.RunStatusStopped)
		assert.Eventually(t, func() bool {
			return len(r.List()) == 0
		}, 3*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, c.terminalCount())
		assert.Equal(t, int32(1), c.completed.Load())
	}
}

func TestKeepaliveToleratesZeroInterval(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "test-key")
	agent := writeStubAgent(t, `echo '{"type":"result"}'`)

	log, err := logger.New("debug")
	require.NoError(t, err)
	pol, err := policy.New(nil, "")
	require.NoError(t, err)
	san := sanitize.New(sanitize.Config{BrandName: "claude", BrandAlias: "assistant", ModelAlias: "workspace-agent"})
	builder := agentcmd.NewBuilder(config.AgentConfig{Binary: agent})

	// KeepAliveInterval left at zero on purpose; Start must not blow up the
	// ping ticker.
	r := NewRegistry(config.RunnerConfig{
		MaxConcurrentRuns: 5,
		ApprovalTimeout:   30,
		StopGracePeriod:   1,
	}, san, builder, pol, nil, log)

	c := &collector{}
	startRun(t, r, c, StartOptions{CallerID: "caller-1", Task: "t"})
	c.waitForStatus(t, v1.RunStatusDone)
}

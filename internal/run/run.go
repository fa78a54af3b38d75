package run

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/run/approval"
	"github.com/runforge/runforge/internal/run/danger"
	"github.com/runforge/runforge/internal/run/policy"
	"github.com/runforge/runforge/internal/run/process"
	"github.com/runforge/runforge/internal/run/sanitize"
	"github.com/runforge/runforge/internal/run/toolcall"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// EmitFunc delivers one notification to the run's caller. Implementations
// must be safe for concurrent use; notifications from the primary channel
// arrive in order, diagnostics and pings may interleave.
type EmitFunc func(v1.Notification)

// CompleteFunc is invoked exactly once when a run ends.
type CompleteFunc func(runID string)

// Run is one supervised execution of the external agent for one task.
type Run struct {
	ID        string
	CallerID  string
	CreatedAt time.Time

	logger    *logger.Logger
	registry  *Registry
	broker    *approval.Broker
	pol       *policy.Policy
	sanitizer *sanitize.Sanitizer

	mode            string
	approvalTimeout time.Duration

	emit       EmitFunc
	onComplete CompleteFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state v1.RunState
	proc  *process.Supervisor

	endOnce sync.Once
	done    chan struct{} // closed when the run reaches ended
}

// State returns the current lifecycle state.
func (rn *Run) State() v1.RunState {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.state
}

func (rn *Run) setState(s v1.RunState) {
	rn.mu.Lock()
	rn.state = s
	rn.mu.Unlock()
}

// setProc publishes the supervisor to concurrent readers. A Stop can arrive
// through the registry while the process is still being prepared, so every
// proc access goes through rn.mu.
func (rn *Run) setProc(p *process.Supervisor) {
	rn.mu.Lock()
	rn.proc = p
	rn.mu.Unlock()
}

func (rn *Run) supervisor() *process.Supervisor {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.proc
}

// Info returns a caller-facing snapshot.
func (rn *Run) Info() v1.RunInfo {
	return v1.RunInfo{
		ID:        rn.ID,
		CallerID:  rn.CallerID,
		State:     rn.State(),
		CreatedAt: rn.CreatedAt,
	}
}

// notify delivers a notification to the caller and mirrors it on the event
// bus. Bus failures are logged, never propagated into the event path.
func (rn *Run) notify(n v1.Notification) {
	n.RunID = rn.ID
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if rn.emit != nil {
		rn.emit(n)
	}
	rn.registry.publish(rn.ID, n)
}

func (rn *Run) notifyStatus(status string) {
	rn.notify(v1.Notification{Kind: v1.KindStatus, Status: status})
}

// handleEvent is the primary-channel pipeline. The supervisor calls it from
// a single goroutine in source order, so blocking here on a gated call
// suspends processing of every later line, preserving the correlation
// between a decision and the call it was meant for.
func (rn *Run) handleEvent(event any) {
	rn.notify(v1.Notification{Kind: v1.KindEvent, Payload: rn.sanitizer.Sanitize(event)})

	call := toolcall.Detect(event)
	if call == nil || !rn.pol.IsGated(call.Name) {
		return
	}

	command := danger.CommandText(call.Args)
	decision := rn.decide(call, command)

	if decision == approval.Approve && command != "" && rn.pol.IsDangerous(command) {
		rn.logger.Warn("dangerous command denied despite approval",
			zap.String("call_id", call.CallID), zap.String("command", command))
		rn.notify(v1.Notification{
			Kind:    v1.KindError,
			CallID:  call.CallID,
			Message: "command matches dangerous pattern, denied: " + command,
		})
		decision = approval.Deny
	}

	token := "no"
	if decision == approval.Approve {
		token = "yes"
	}
	if proc := rn.supervisor(); proc != nil {
		proc.WriteLine(token)
	}
}

// decide resolves a gated call to a decision. Auto mode approves without a
// prompt; the danger re-check in handleEvent still applies. Manual mode
// registers the pending approval first, then emits the prompt, then blocks.
func (rn *Run) decide(call *toolcall.Call, command string) approval.Decision {
	if rn.mode == v1.ModeAuto {
		return approval.Approve
	}

	prompt := "Agent requests permission to use tool " + call.Name
	if command != "" {
		prompt += ": " + command
	}

	return rn.broker.Await(rn.ctx, call.CallID, rn.approvalTimeout, func() {
		rn.notify(v1.Notification{
			Kind:   v1.KindApproval,
			CallID: call.CallID,
			Tool:   call.Name,
			Args:   rn.sanitizer.Sanitize(call.Args),
			Prompt: prompt,
		})
	})
}

// handleText surfaces a non-JSON primary-channel line as a plain-text event.
func (rn *Run) handleText(line string) {
	rn.notify(v1.Notification{
		Kind:    v1.KindEvent,
		Payload: map[string]any{"type": "text", "text": rn.sanitizer.SanitizeText(line)},
	})
}

// handleDiag surfaces a diagnostic-channel line.
func (rn *Run) handleDiag(line string) {
	rn.notify(v1.Notification{
		Kind:    v1.KindEvent,
		Payload: map[string]any{"type": "diagnostic", "text": rn.sanitizer.SanitizeText(line)},
	})
}

// handleExit converts process exit into the terminal done status. If an
// explicit stop already ended the run this is a no-op.
func (rn *Run) handleExit(exitCode int, signal string) {
	n := v1.Notification{Kind: v1.KindStatus, Status: v1.RunStatusDone, ExitCode: &exitCode}
	if signal != "" {
		n.Signal = signal
	}
	rn.finish(n)
}

// stop ends the run on caller request, then asks the process to exit. If the
// process has not been published yet the spawn path notices the ended state
// and terminates it (see Registry.Start).
func (rn *Run) stop(reason string) {
	rn.finish(v1.Notification{Kind: v1.KindStatus, Status: v1.RunStatusStopped, Reason: reason})
	if proc := rn.supervisor(); proc != nil {
		proc.Stop()
	}
}

// fail ends the run with an error status, for spawn failures.
func (rn *Run) fail(message string) {
	rn.notify(v1.Notification{Kind: v1.KindError, Message: message})
	rn.finish(v1.Notification{Kind: v1.KindStatus, Status: v1.RunStatusError, Reason: message})
}

// finish performs the single transition to ended. Exactly one caller wins;
// the terminal status is emitted once and the completion callback runs once.
func (rn *Run) finish(terminal v1.Notification) {
	rn.endOnce.Do(func() {
		rn.setState(v1.RunStateEnded)
		close(rn.done)
		rn.cancel()
		rn.broker.DenyAll()
		rn.registry.remove(rn)
		rn.notify(terminal)
		if rn.onComplete != nil {
			rn.onComplete(rn.ID)
		}
		rn.logger.Info("run ended", zap.String("status", terminal.Status))
	})
}

// keepalive emits low-frequency pings while running so idle transports stay
// open. Stops the instant the run ends. A non-positive interval falls back
// to a safe default; config validation normally catches it, but the registry
// accepts any RunnerConfig.
func (rn *Run) keepalive(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rn.done:
			return
		case <-ticker.C:
			rn.notify(v1.Notification{Kind: v1.KindPing})
		}
	}
}

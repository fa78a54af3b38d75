// Package run implements the run orchestrator: admission control,
// per-run process supervision, approval gating and exactly-once cleanup.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/config"
	apperrors "github.com/runforge/runforge/internal/common/errors"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/events/bus"
	"github.com/runforge/runforge/internal/run/agentcmd"
	"github.com/runforge/runforge/internal/run/approval"
	"github.com/runforge/runforge/internal/run/policy"
	"github.com/runforge/runforge/internal/run/process"
	"github.com/runforge/runforge/internal/run/sanitize"
	v1 "github.com/runforge/runforge/pkg/api/v1"
)

// StartOptions carries everything needed to admit and launch one run.
type StartOptions struct {
	CallerID   string
	Task       string
	Mode       string // auto or manual, defaults to manual
	Model      string
	MaxTurns   int
	GatedTools []string // overrides the default gated set for this run
	WorkDir    string
	Emit       EmitFunc
	OnComplete CompleteFunc
}

// Registry is the top-level orchestrator. It owns the global run index and
// the per-caller active-run index; both are guarded by one mutex so
// admission checks and registration are atomic across concurrent starts.
type Registry struct {
	logger    *logger.Logger
	cfg       config.RunnerConfig
	sanitizer *sanitize.Sanitizer
	builder   *agentcmd.Builder
	pol       *policy.Policy
	eventBus  bus.EventBus

	mu     sync.Mutex
	runs   map[string]*Run   // run id -> run, any state before ended
	active map[string]string // caller id -> run id
	ended  map[string]struct{}
}

// NewRegistry creates a Registry. eventBus may be nil to disable mirroring.
func NewRegistry(
	cfg config.RunnerConfig,
	sanitizer *sanitize.Sanitizer,
	builder *agentcmd.Builder,
	pol *policy.Policy,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Registry {
	return &Registry{
		logger:    log.WithFields(zap.String("component", "run-registry")),
		cfg:       cfg,
		sanitizer: sanitizer,
		builder:   builder,
		pol:       pol,
		eventBus:  eventBus,
		runs:      make(map[string]*Run),
		active:    make(map[string]string),
		ended:     make(map[string]struct{}),
	}
}

// Start admits and launches a new run. It fails synchronously on missing
// fields, missing credentials, the global ceiling, or a caller that already
// has an active run. On success the caller starts receiving notifications
// immediately, beginning with started and running.
func (r *Registry) Start(opts StartOptions) (v1.RunInfo, error) {
	if opts.CallerID == "" {
		return v1.RunInfo{}, apperrors.ValidationError("caller_id", "caller_id is required")
	}
	if opts.Task == "" {
		return v1.RunInfo{}, apperrors.ValidationError("task", "task is required")
	}
	if opts.Emit == nil {
		return v1.RunInfo{}, apperrors.ValidationError("emit", "an event emitter is required")
	}
	mode := opts.Mode
	if mode == "" {
		mode = v1.ModeManual
	}
	if mode != v1.ModeAuto && mode != v1.ModeManual {
		return v1.RunInfo{}, apperrors.ValidationError("mode", "mode must be auto or manual")
	}
	if err := r.builder.CheckCredentials(); err != nil {
		return v1.RunInfo{}, err
	}

	cmd, err := r.builder.Build(agentcmd.Options{
		Task:     opts.Task,
		Mode:     mode,
		Model:    opts.Model,
		MaxTurns: opts.MaxTurns,
		WorkDir:  opts.WorkDir,
	})
	if err != nil {
		return v1.RunInfo{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rn := &Run{
		ID:              uuid.New().String(),
		CallerID:        opts.CallerID,
		CreatedAt:       time.Now().UTC(),
		registry:        r,
		pol:             r.pol.WithGatedTools(opts.GatedTools),
		sanitizer:       r.sanitizer,
		mode:            mode,
		approvalTimeout: r.cfg.ApprovalTimeoutDuration(),
		emit:            opts.Emit,
		onComplete:      opts.OnComplete,
		ctx:             ctx,
		cancel:          cancel,
		state:           v1.RunStateCreated,
		done:            make(chan struct{}),
	}
	rn.logger = r.logger.WithRunID(rn.ID)
	rn.broker = approval.NewBroker(rn.logger)

	// Admission and registration are one critical section so two
	// concurrent starts cannot both pass the checks.
	r.mu.Lock()
	if len(r.runs) >= r.cfg.MaxConcurrentRuns {
		r.mu.Unlock()
		cancel()
		return v1.RunInfo{}, apperrors.LimitExceeded("maximum concurrent runs reached")
	}
	if existing, ok := r.active[opts.CallerID]; ok {
		r.mu.Unlock()
		cancel()
		return v1.RunInfo{}, apperrors.Conflict("caller already has an active run: " + existing)
	}
	r.runs[rn.ID] = rn
	r.active[opts.CallerID] = rn.ID
	r.mu.Unlock()

	// Lifecycle statuses go out before the process can produce output, so
	// the caller always observes started then running ahead of any event.
	rn.setState(v1.RunStateRunning)
	rn.notifyStatus(v1.RunStatusStarted)
	rn.notifyStatus(v1.RunStatusRunning)

	proc, err := process.New(process.Config{
		Path:        cmd.Path,
		Args:        cmd.Args,
		Env:         cmd.Env,
		Dir:         cmd.Dir,
		GracePeriod: r.cfg.StopGraceDuration(),
	}, process.Handlers{
		OnEvent: rn.handleEvent,
		OnText:  rn.handleText,
		OnDiag:  rn.handleDiag,
		OnExit: func(exitCode int, exitErr error) {
			rn.handleExit(exitCode, signalName(exitErr))
		},
	}, rn.logger)
	if err != nil {
		rn.fail("failed to prepare agent process: " + err.Error())
		return v1.RunInfo{}, apperrors.InternalError("failed to prepare agent process", err)
	}
	rn.setProc(proc)
	if err := proc.Start(); err != nil {
		rn.fail("failed to spawn agent process: " + err.Error())
		return v1.RunInfo{}, apperrors.InternalError("failed to spawn agent process", err)
	}
	// A stop that landed while the process was being prepared won the
	// terminal transition before it could signal anything; the process must
	// not outlive its run.
	if rn.State() == v1.RunStateEnded {
		proc.Stop()
	}
	go rn.keepalive(r.cfg.KeepAliveDuration())

	rn.logger.Info("run started",
		zap.String("caller_id", opts.CallerID),
		zap.String("mode", mode),
		zap.Int("pid", proc.Pid()))
	return rn.Info(), nil
}

// Decide resolves a pending approval on a run.
func (r *Registry) Decide(runID, callID, decision string) error {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return apperrors.NotFound("run", runID)
	}
	return rn.broker.Resolve(callID, decision)
}

// Stop ends a run. Stopping a run that already ended is a no-op; only a
// completely unknown identifier is an error.
func (r *Registry) Stop(runID, reason string) error {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	if !ok {
		_, wasEnded := r.ended[runID]
		r.mu.Unlock()
		if wasEnded {
			return nil
		}
		return apperrors.NotFound("run", runID)
	}
	r.mu.Unlock()

	if reason == "" {
		reason = "stopped by caller"
	}
	rn.stop(reason)
	return nil
}

// Get returns a snapshot of one run.
func (r *Registry) Get(runID string) (v1.RunInfo, error) {
	r.mu.Lock()
	rn, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return v1.RunInfo{}, apperrors.NotFound("run", runID)
	}
	return rn.Info(), nil
}

// List returns snapshots of all tracked runs.
func (r *Registry) List() []v1.RunInfo {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	infos := make([]v1.RunInfo, 0, len(runs))
	for _, rn := range runs {
		infos = append(infos, rn.Info())
	}
	return infos
}

// Shutdown stops every tracked run and waits for them to end, bounded by ctx.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	runs := make([]*Run, 0, len(r.runs))
	for _, rn := range r.runs {
		runs = append(runs, rn)
	}
	r.mu.Unlock()

	for _, rn := range runs {
		rn.stop("server shutting down")
	}
	for _, rn := range runs {
		select {
		case <-rn.done:
		case <-ctx.Done():
			return
		}
	}
}

// remove drops a run from both indexes. Called exactly once per run, from
// the run's own finish transition.
func (r *Registry) remove(rn *Run) {
	r.mu.Lock()
	delete(r.runs, rn.ID)
	if r.active[rn.CallerID] == rn.ID {
		delete(r.active, rn.CallerID)
	}
	r.ended[rn.ID] = struct{}{}
	r.mu.Unlock()
}

// publish mirrors a notification on the event bus, best effort.
func (r *Registry) publish(runID string, n v1.Notification) {
	if r.eventBus == nil {
		return
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return
	}
	subject := events.RunSubject(runID, n.Kind)
	if err := r.eventBus.Publish(context.Background(), subject, bus.NewEvent(n.Kind, "run-registry", data)); err != nil {
		r.logger.Debug("event bus publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// signalName extracts the terminating signal from a process exit error.
func signalName(err error) string {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ""
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ws.Signal().String()
	}
	return ""
}

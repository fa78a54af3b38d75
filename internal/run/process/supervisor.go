// Package process owns the external agent process lifecycle: spawn,
// line-buffered reads of its two output channels, decision writes to its
// input channel, and graceful-then-forced termination.
package process

import (
	"bufio"
	"encoding/json"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runforge/runforge/internal/common/logger"
)

// Config describes the process to spawn.
type Config struct {
	Path        string        // resolved executable path
	Args        []string      // argument list (without argv[0])
	Env         []string      // full environment, KEY=VALUE form
	Dir         string        // working directory, empty for inherited
	GracePeriod time.Duration // delay between SIGTERM and SIGKILL on Stop
}

// Handlers receive process output and lifecycle notifications.
//
// OnEvent is invoked from a single goroutine in the exact order the process
// produced its primary-channel lines; it may block, which suspends further
// primary-channel processing (pipe backpressure bounds the process). OnText
// receives primary-channel lines that are not valid JSON. OnDiag receives
// diagnostic-channel lines and may interleave freely with OnEvent. OnExit is
// invoked exactly once after the process exits and all output is drained.
type Handlers struct {
	OnEvent func(event any)
	OnText  func(line string)
	OnDiag  func(line string)
	OnExit  func(exitCode int, err error)
}

// Supervisor supervises one spawned agent process.
type Supervisor struct {
	logger   *logger.Logger
	cmd      *exec.Cmd
	handlers Handlers

	stdout io.ReadCloser
	stderr io.ReadCloser

	stdinMu sync.Mutex
	stdin   io.WriteCloser

	startMu sync.Mutex
	started bool

	done     chan struct{} // closed after the process has exited
	stopOnce sync.Once
	grace    time.Duration
}

// New prepares a supervisor for the given process without starting it.
// Handlers do not fire until Start succeeds, so callers may finish wiring
// state that the handlers reference before the process exists.
func New(cfg Config, h Handlers, log *logger.Logger) (*Supervisor, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = cfg.Env
	if cfg.Dir != "" {
		cmd.Dir = cfg.Dir
	}
	// New process group so Stop can terminate the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = 2 * time.Second
	}

	return &Supervisor{
		logger:   log.WithFields(zap.String("component", "process-supervisor")),
		cmd:      cmd,
		handlers: h,
		stdout:   stdout,
		stderr:   stderr,
		stdin:    stdin,
		done:     make(chan struct{}),
		grace:    grace,
	}, nil
}

// Start launches the process and begins streaming its output.
func (s *Supervisor) Start() error {
	s.startMu.Lock()
	err := s.cmd.Start()
	if err == nil {
		s.started = true
		s.logger = s.logger.WithFields(zap.Int("pid", s.cmd.Process.Pid))
	}
	s.startMu.Unlock()
	if err != nil {
		return err
	}

	h := s.handlers
	var readers errgroup.Group
	readers.Go(func() error {
		s.readPrimary(s.stdout, h)
		return nil
	})
	readers.Go(func() error {
		s.readDiagnostic(s.stderr, h)
		return nil
	})

	go func() {
		// Drain both pipes before Wait, as exec requires.
		_ = readers.Wait()
		err := s.cmd.Wait()
		close(s.done)

		exitCode := 0
		if err != nil {
			exitCode = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			}
		}
		s.logger.Debug("process exited", zap.Int("exit_code", exitCode), zap.Error(err))
		if h.OnExit != nil {
			h.OnExit(exitCode, err)
		}
	}()

	return nil
}

// Pid returns the process id.
func (s *Supervisor) Pid() int {
	return s.cmd.Process.Pid
}

// WriteLine writes one line to the process's input channel. Writes against
// an exited or closed process are silently ignored; the process may already
// be gone by the time a decision arrives.
func (s *Supervisor) WriteLine(line string) {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin == nil {
		return
	}
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		s.logger.Debug("stdin write ignored", zap.Error(err))
	}
}

// CloseInput closes the process's input channel.
func (s *Supervisor) CloseInput() {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
		s.stdin = nil
	}
}

// Stop terminates the process: SIGTERM to the process group, escalating to
// SIGKILL after the grace period if it has not exited. Safe to call multiple
// times and concurrently with Start or process self-exit. A Stop before the
// process has started is a no-op that does not spend the termination; a
// later Stop still signals the process.
func (s *Supervisor) Stop() {
	s.startMu.Lock()
	started := s.started
	s.startMu.Unlock()
	if !started {
		return
	}

	s.stopOnce.Do(func() {
		select {
		case <-s.done:
			return // already exited
		default:
		}

		pid := s.cmd.Process.Pid
		pgid, pgErr := syscall.Getpgid(pid)

		s.logger.Debug("stopping process", zap.Int("pid", pid))
		if pgErr == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}

		go func() {
			select {
			case <-s.done:
			case <-time.After(s.grace):
				s.logger.Warn("grace period expired, force killing", zap.Int("pid", pid))
				if pgErr == nil {
					_ = syscall.Kill(-pgid, syscall.SIGKILL)
				} else {
					_ = s.cmd.Process.Kill()
				}
			}
		}()
	})
}

// Done returns a channel closed once the process has exited.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// readPrimary decodes the structured-event channel line by line. Each line
// is handled synchronously so gating on call N blocks call N+1.
func (s *Supervisor) readPrimary(r io.Reader, h Handlers) {
	scanner := bufio.NewScanner(r)
	// Large buffer for potentially big single-line JSON events.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Non-conforming output stays visible to operators.
			if h.OnText != nil {
				h.OnText(line)
			}
			continue
		}
		if h.OnEvent != nil {
			h.OnEvent(event)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("primary channel read ended", zap.Error(err))
	}
}

// readDiagnostic forwards free-text diagnostic lines.
func (s *Supervisor) readDiagnostic(r io.Reader, h Handlers) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if h.OnDiag != nil {
			h.OnDiag(line)
		}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("diagnostic channel read ended", zap.Error(err))
	}
}

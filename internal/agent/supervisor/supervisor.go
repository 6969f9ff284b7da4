// Package supervisor owns the child process running the LLM CLI for one
// agent: it spawns the process, translates its newline-delimited JSON
// output into events on the agent's hub, and exposes start/send/pause/
// resume/destroy with job-control semantics.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivemind/hivemind/internal/agent/hub"
	"github.com/hivemind/hivemind/internal/agent/stream"
	"github.com/hivemind/hivemind/internal/common/logger"
	"github.com/hivemind/hivemind/internal/guardrails"
)

// Status is the agent process status.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusRunning      Status = "running"
	StatusIdle         Status = "idle"
	StatusPaused       Status = "paused"
	StatusStalled      Status = "stalled"
	StatusRestored     Status = "restored"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
	StatusDestroyed    Status = "destroyed"
)

// Usage accumulates token counts reported by result events.
type Usage struct {
	TokensIn      int64   `json:"tokensIn"`
	TokensOut     int64   `json:"tokensOut"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Config configures one supervised child.
type Config struct {
	Command      []string // argv of the LLM CLI
	WorkDir      string
	Env          []string
	StallTimeout time.Duration // defaults to guardrails.StallTimeout
	GraceTimeout time.Duration // SIGTERM-to-SIGKILL grace, defaults to 2s
}

// Supervisor supervises a single agent child process.
type Supervisor struct {
	cfg    Config
	hub    *hub.Hub
	logger *logger.Logger

	// onStatus is invoked after every status transition, outside locks.
	onStatus func(Status)

	cmd     *exec.Cmd
	stdinMu sync.Mutex
	stdin   io.WriteCloser

	status     atomic.Value // Status
	lastOutput atomic.Int64 // unix nano of last child output
	turnActive atomic.Bool
	destroyed  atomic.Bool

	sessionMu sync.Mutex
	sessionID string
	usage     Usage

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates a supervisor. onStatus may be nil.
func New(cfg Config, h *hub.Hub, log *logger.Logger, onStatus func(Status)) *Supervisor {
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = guardrails.StallTimeout
	}
	if cfg.GraceTimeout <= 0 {
		cfg.GraceTimeout = 2 * time.Second
	}
	s := &Supervisor{
		cfg:      cfg,
		hub:      h,
		logger:   log.WithFields(zap.String("component", "supervisor")),
		onStatus: onStatus,
	}
	s.status.Store(StatusStarting)
	return s
}

// Status returns the current status.
func (s *Supervisor) Status() Status {
	return s.status.Load().(Status)
}

// Usage returns the accumulated token usage.
func (s *Supervisor) Usage() Usage {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.usage
}

// SessionID returns the child CLI session id, once reported.
func (s *Supervisor) SessionID() string {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.sessionID
}

// Alive reports whether the child process is live (possibly paused).
func (s *Supervisor) Alive() bool {
	switch s.Status() {
	case StatusStarting, StatusRunning, StatusIdle, StatusPaused, StatusStalled:
		return s.cmd != nil && s.cmd.Process != nil
	}
	return false
}

// Start spawns the child process and begins translating its output.
func (s *Supervisor) Start(ctx context.Context) error {
	if len(s.cfg.Command) == 0 {
		s.setStatus(StatusError)
		return fmt.Errorf("no agent command configured")
	}

	// Intentionally not exec.CommandContext: the spawning HTTP request's
	// context must not kill the agent when the request completes.
	s.cmd = exec.Command(s.cfg.Command[0], s.cfg.Command[1:]...)
	s.cmd.Dir = s.cfg.WorkDir
	s.cmd.Env = s.cfg.Env
	s.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		s.setStatus(StatusError)
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	s.stdin = stdin
	s.stopCh = make(chan struct{})
	s.lastOutput.Store(time.Now().UnixNano())

	s.wg.Add(3)
	go s.readStdout(stdout)
	go s.readStderr(stderr)
	go s.waitForExit()
	go s.watchdog()

	s.logger.Info("agent process started", zap.Int("pid", s.cmd.Process.Pid))
	return nil
}

// Send writes a prompt request to the child's stdin. At most one turn is in
// flight per agent: when a turn is already running, the current task is
// interrupted through the stdin protocol before the new prompt is issued.
func (s *Supervisor) Send(prompt string, maxTurns int, sessionID string) error {
	if !s.Alive() {
		return fmt.Errorf("agent process is not running")
	}
	if s.Status() == StatusPaused {
		return fmt.Errorf("agent is paused")
	}

	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()

	if s.turnActive.Load() {
		// Will interrupt current task.
		data, err := stream.InterruptRequest().Encode()
		if err == nil {
			if _, err := s.stdin.Write(data); err != nil {
				return fmt.Errorf("failed to interrupt current turn: %w", err)
			}
		}
	}

	if sessionID == "" {
		sessionID = s.SessionID()
	}
	data, err := stream.PromptRequest(prompt, sessionID, maxTurns).Encode()
	if err != nil {
		return err
	}
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write prompt: %w", err)
	}

	s.turnActive.Store(true)
	switch s.Status() {
	case StatusIdle, StatusStalled:
		s.setStatus(StatusRunning)
	}
	return nil
}

// Pause delivers a job-control stop signal. Returns false unless the agent
// is running, idle, or stalled with a live child.
func (s *Supervisor) Pause() bool {
	switch s.Status() {
	case StatusRunning, StatusIdle, StatusStalled:
	default:
		return false
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGSTOP); err != nil {
		s.logger.Warn("failed to pause agent process", zap.Error(err))
		return false
	}
	s.setStatus(StatusPaused)
	return true
}

// Resume delivers a job-control continue signal. Returns false unless the
// agent is paused.
func (s *Supervisor) Resume() bool {
	if s.Status() != StatusPaused {
		return false
	}
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	if err := syscall.Kill(-s.cmd.Process.Pid, syscall.SIGCONT); err != nil {
		s.logger.Warn("failed to resume agent process", zap.Error(err))
		return false
	}
	s.setStatus(StatusRunning)
	return true
}

// Destroy terminates the child: SIGTERM, then SIGKILL after the grace
// period. A terminal destroyed event is published once the process is gone.
func (s *Supervisor) Destroy(ctx context.Context) {
	if !s.destroyed.CompareAndSwap(false, true) {
		return
	}

	s.stdinMu.Lock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	s.stdinMu.Unlock()

	if s.cmd != nil && s.cmd.Process != nil {
		// A paused process cannot handle SIGTERM; continue it first.
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGCONT)
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.cfg.GraceTimeout):
			s.logger.Warn("grace period expired, killing agent process")
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
			<-done
		case <-ctx.Done():
			_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
			<-done
		}
	}

	if s.stopCh != nil {
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	}

	s.setStatus(StatusDestroyed)
	s.hub.Publish(stream.Event{"type": stream.TypeDestroyed})
	s.logger.Info("agent process destroyed")
}

func (s *Supervisor) readStdout(r io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(r)
	// Large buffer: assistant events can carry whole file contents.
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.lastOutput.Store(time.Now().UnixNano())

		ev, err := stream.Parse(line)
		if err != nil {
			// Parse failures are surfaced, not dropped.
			s.hub.Publish(stream.Raw(string(line)))
			continue
		}
		s.handleEvent(ev)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Debug("stdout reader closed", zap.Error(err))
	}
}

func (s *Supervisor) handleEvent(ev stream.Event) {
	if sid := ev.String("session_id"); sid != "" {
		s.sessionMu.Lock()
		s.sessionID = sid
		s.sessionMu.Unlock()
	}

	switch s.Status() {
	case StatusStarting, StatusStalled:
		s.setStatus(StatusRunning)
	}

	if ev.Type() == stream.TypeResult {
		s.recordUsage(ev)
		s.turnActive.Store(false)
		s.hub.Publish(ev)
		s.setStatus(StatusIdle)
		s.hub.Publish(stream.Event{"type": stream.TypeDone})
		return
	}

	s.hub.Publish(ev)
}

func (s *Supervisor) recordUsage(ev stream.Event) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if u, ok := ev["usage"].(map[string]any); ok {
		if in, ok := u["input_tokens"].(float64); ok {
			s.usage.TokensIn += int64(in)
		}
		if out, ok := u["output_tokens"].(float64); ok {
			s.usage.TokensOut += int64(out)
		}
	}
	if cost, ok := ev["total_cost_usd"].(float64); ok {
		s.usage.EstimatedCost += cost
	}
}

func (s *Supervisor) readStderr(r io.Reader) {
	defer s.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.lastOutput.Store(time.Now().UnixNano())
		// Stderr counts as output for stall detection too.
		if s.Status() == StatusStalled {
			s.setStatus(StatusRunning)
		}
		s.hub.Publish(stream.Stderr(line))
	}
}

func (s *Supervisor) waitForExit() {
	defer s.wg.Done()

	err := s.cmd.Wait()
	if s.destroyed.Load() {
		return
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		s.logger.Warn("agent process exited with error",
			zap.Int("exit_code", exitCode), zap.Error(err))
		s.setStatus(StatusError)
		s.hub.Publish(stream.Event{
			"type":    stream.TypeSystem,
			"subtype": "error",
			"text":    fmt.Sprintf("agent process exited with code %d", exitCode),
		})
		return
	}

	// A clean exit the server did not request: the record survives but the
	// process is gone.
	s.logger.Info("agent process exited")
	s.setStatus(StatusDisconnected)
	s.hub.Publish(stream.Event{
		"type":    stream.TypeSystem,
		"subtype": "watchdog",
		"text":    "agent process exited",
	})
}

// watchdog marks the agent stalled when it produces no output for the
// stall timeout while a turn is running; new output recovers it.
func (s *Supervisor) watchdog() {
	ticker := time.NewTicker(s.cfg.StallTimeout / 20)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.Status() != StatusRunning {
				continue
			}
			idle := time.Since(time.Unix(0, s.lastOutput.Load()))
			if idle > s.cfg.StallTimeout {
				s.setStatus(StatusStalled)
				s.hub.Publish(stream.Event{
					"type":    stream.TypeSystem,
					"subtype": "watchdog",
					"text":    fmt.Sprintf("agent stalled: no output for %s", idle.Round(time.Second)),
				})
			}
		}
	}
}

func (s *Supervisor) setStatus(next Status) {
	prev := s.status.Swap(next)
	if prev == next {
		return
	}
	if s.onStatus != nil {
		s.onStatus(next)
	}
}

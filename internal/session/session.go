// Package session implements the persistent PTY session pool. Each session
// owns one long-running interactive agent worker bound to a pseudo-terminal;
// prompts are multiplexed onto it one at a time and the worker's
// newline-delimited JSON output is streamed back to the caller.
package session

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/pkg/agentproto"
)

// State of a session.
type State string

const (
	StateStarting         State = "starting"
	StateIdle             State = "idle"
	StateBusy             State = "busy"
	StateAwaitingApproval State = "awaiting_approval"
	StateStopping         State = "stopping"
	StateStopped          State = "stopped"
	StateError            State = "error"
)

// ChunkSink receives every chunk a worker emits during a send.
type ChunkSink func(chunk agentproto.Chunk)

// PermissionHandler decides a worker's permission request. It blocks until
// a human resolves the request out-of-band; the session stays in
// awaiting_approval for the duration.
type PermissionHandler func(ctx context.Context, sessionID string, chunk agentproto.Chunk) (bool, error)

// stopGrace is how long a worker gets to exit after SIGTERM before SIGKILL.
const stopGrace = 2 * time.Second

// chunkBuffer bounds worker output queued between sends.
const chunkBuffer = 64

// Session is one persistent worker bound to a PTY.
type Session struct {
	id      string
	profile Profile
	workdir string
	cfg     config.SessionConfig
	logger  *logger.Logger

	// resumeToken, when set, makes the worker continue a previous
	// conversation via the profile's resume args.
	resumeToken string

	pty PtyHandle
	cmd *exec.Cmd

	onPermission PermissionHandler
	startPTY     func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error)

	// sendMu serializes prompts; waiters run in FIFO arrival order.
	sendMu sync.Mutex

	mu             sync.Mutex
	state          State
	createdAt      time.Time
	lastActivity   time.Time
	agentSessionID string

	chunks     chan agentproto.Chunk
	done       chan struct{} // closed when the read loop exits
	stopSignal chan struct{}
	stopOnce   sync.Once
}

func newSession(
	id string,
	profile Profile,
	workdir string,
	resumeToken string,
	cfg config.SessionConfig,
	onPermission PermissionHandler,
	startPTY func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error),
	log *logger.Logger,
) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		profile:      profile,
		workdir:      workdir,
		resumeToken:  resumeToken,
		cfg:          cfg,
		logger:       log.WithSessionID(id),
		onPermission: onPermission,
		startPTY:     startPTY,
		state:        StateStarting,
		createdAt:    now,
		lastActivity: now,
		chunks:       make(chan agentproto.Chunk, chunkBuffer),
		done:         make(chan struct{}),
		stopSignal:   make(chan struct{}),
	}
}

// start spawns the worker on a PTY and begins reading its output.
func (s *Session) start() error {
	workdir := resolveWorkdir(s.workdir)

	args := s.profile.Args
	if s.resumeToken != "" && len(s.profile.ResumeArgs) > 0 {
		args = append(append([]string{}, args...), s.profile.ResumeArgs...)
		args = append(args, s.resumeToken)
	}

	cmd := exec.Command(s.profile.Command, args...)
	cmd.Dir = workdir

	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"FORCE_COLOR=1",
		fmt.Sprintf("COLUMNS=%d", s.cfg.TermCols),
		fmt.Sprintf("LINES=%d", s.cfg.TermRows),
	)
	env = append(env, s.profile.Env...)
	cmd.Env = env

	handle, err := s.startPTY(cmd, s.cfg.TermCols, s.cfg.TermRows)
	if err != nil {
		s.setState(StateError)
		return fmt.Errorf("starting worker %q: %w", s.profile.Command, err)
	}
	s.pty = handle
	s.cmd = cmd

	go s.readLoop()
	if cmd.Process != nil {
		// Reap the worker when it exits.
		go func() { _ = cmd.Wait() }()
	}

	s.setState(StateIdle)
	s.logger.Info("Session started",
		zap.String("profile", s.profile.Name),
		zap.String("workdir", workdir),
		zap.Int("pid", s.pid()))
	return nil
}

// readLoop turns PTY output lines into chunks. Non-JSON lines are terminal
// noise (echoes, banners, ANSI fragments) and are skipped. The loop ends
// when the worker dies or the session stops; PTY reads fail with EIO on
// worker exit, which ends the scan.
func (s *Session) readLoop() {
	defer func() {
		close(s.chunks)
		close(s.done)
	}()

	scanner := bufio.NewScanner(s.pty)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		chunk, ok := agentproto.ParseChunk([]byte(line))
		if !ok {
			continue
		}
		select {
		case s.chunks <- chunk:
		case <-s.stopSignal:
			return
		}
	}
}

// Send writes one prompt to the worker and collects chunks until the final
// one. Concurrent sends queue on the session mutex and run strictly in
// arrival order. The returned result always carries whatever output was
// accumulated, even on failure.
func (s *Session) Send(ctx context.Context, prompt string, timeout time.Duration, sink ChunkSink) *agentproto.ExecutionResult {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.Alive() {
		return &agentproto.ExecutionResult{
			Success: false,
			Error:   fmt.Sprintf("session not ready: %s", s.State()),
		}
	}

	s.drainStale()
	s.setState(StateBusy)
	s.touch()

	start := time.Now()

	if _, err := s.pty.Write([]byte(prompt + "\r")); err != nil {
		s.setState(StateError)
		return &agentproto.ExecutionResult{
			Success: false,
			Error:   fmt.Sprintf("writing prompt: %v", err),
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var output strings.Builder
	wasPermission := false

	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				s.setState(StateStopped)
				return &agentproto.ExecutionResult{
					Success:    false,
					Output:     strings.TrimSpace(output.String()),
					Error:      "worker terminated unexpectedly",
					DurationMS: time.Since(start).Milliseconds(),
				}
			}
			s.touch()
			if sink != nil {
				sink(chunk)
			}

			switch chunk.Type {
			case agentproto.ChunkTypeAssistant:
				if chunk.Content != "" {
					if output.Len() > 0 {
						output.WriteString("\n")
					}
					output.WriteString(chunk.Content)
				}

			case agentproto.ChunkTypePermission:
				wasPermission = true
				s.setState(StateAwaitingApproval)
				approved := false
				if s.onPermission != nil {
					var err error
					approved, err = s.onPermission(ctx, s.id, chunk)
					if err != nil {
						s.logger.Warn("Permission handler failed, denying",
							zap.String("tool", chunk.ToolName),
							zap.Error(err))
						approved = false
					}
				}
				if _, err := s.pty.Write(agentproto.EncodeControlResponse(approved)); err != nil {
					s.setState(StateError)
					return &agentproto.ExecutionResult{
						Success:              false,
						Output:               strings.TrimSpace(output.String()),
						Error:                fmt.Sprintf("writing control response: %v", err),
						WasPermissionRequest: true,
					}
				}
				s.setState(StateBusy)

			case agentproto.ChunkTypeResult:
				if chunk.SessionID != "" {
					s.setAgentSessionID(chunk.SessionID)
				}
				if !chunk.IsFinal {
					continue
				}
				s.setState(StateIdle)

				out := strings.TrimSpace(output.String())
				if out == "" {
					out = strings.TrimSpace(chunk.Content)
				}
				durationMS := chunk.DurationMS
				if durationMS == 0 {
					durationMS = time.Since(start).Milliseconds()
				}
				res := &agentproto.ExecutionResult{
					Success:              !chunk.IsError,
					Output:               out,
					SessionID:            s.AgentSessionID(),
					CostUSD:              chunk.CostUSD,
					DurationMS:           durationMS,
					WasPermissionRequest: wasPermission,
				}
				if chunk.IsError {
					res.Error = strings.TrimSpace(chunk.Content)
				}
				return res
			}

		case <-timer.C:
			// A wedged worker is not trusted for further turns.
			s.logger.Warn("Send timed out, stopping session", zap.Duration("timeout", timeout))
			s.Stop()
			return &agentproto.ExecutionResult{
				Success:    false,
				Output:     strings.TrimSpace(output.String()),
				Error:      fmt.Sprintf("timed out after %v", timeout),
				DurationMS: time.Since(start).Milliseconds(),
			}

		case <-ctx.Done():
			s.interruptLocked()
			s.setState(StateIdle)
			return &agentproto.ExecutionResult{
				Success:      false,
				Output:       strings.TrimSpace(output.String()),
				Error:        "cancelled",
				WasCancelled: true,
				DurationMS:   time.Since(start).Milliseconds(),
			}
		}
	}
}

// drainStale discards chunks left over from a previous turn.
func (s *Session) drainStale() {
	for {
		select {
		case _, ok := <-s.chunks:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Interrupt sends ETX (Ctrl+C) to the worker without destroying the session.
func (s *Session) Interrupt() bool {
	if !s.Alive() {
		return false
	}
	return s.interruptLocked()
}

func (s *Session) interruptLocked() bool {
	if s.pty == nil {
		return false
	}
	if _, err := s.pty.Write([]byte{0x03}); err != nil {
		return false
	}
	s.touch()
	return true
}

// Stop terminates the worker: SIGTERM, a grace period, then SIGKILL.
// Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.setState(StateStopping)
		close(s.stopSignal)

		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-s.done:
			case <-time.After(stopGrace):
				_ = s.cmd.Process.Kill()
			}
		}
		if s.pty != nil {
			_ = s.pty.Close()
		}

		s.setState(StateStopped)
		s.logger.Info("Session stopped")
	})
}

// Alive reports whether the worker is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	switch s.State() {
	case StateStopping, StateStopped, StateError:
		return false
	}
	return true
}

// Resize changes the worker's terminal dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	if s.pty == nil {
		return fmt.Errorf("session has no PTY")
	}
	return s.pty.Resize(cols, rows)
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AgentSessionID returns the worker-reported conversation id, if any.
func (s *Session) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

// LastActivity returns when the session last saw traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info snapshots the session for status endpoints.
func (s *Session) Info() agentproto.SessionInfo {
	s.mu.Lock()
	state := s.state
	created := s.createdAt
	last := s.lastActivity
	s.mu.Unlock()

	return agentproto.SessionInfo{
		SessionID:        s.id,
		State:            string(state),
		WorkingDirectory: s.workdir,
		Profile:          s.profile.Name,
		PID:              s.pid(),
		CreatedAt:        created,
		LastActivity:     last,
		IdleSeconds:      time.Since(last).Seconds(),
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setAgentSessionID(id string) {
	s.mu.Lock()
	s.agentSessionID = id
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) pid() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// resolveWorkdir expands ~ and falls back to the home directory when the
// requested directory does not exist.
func resolveWorkdir(dir string) string {
	home, _ := os.UserHomeDir()
	if dir == "" {
		return home
	}
	if dir == "~" {
		return home
	}
	if strings.HasPrefix(dir, "~/") {
		dir = filepath.Join(home, dir[2:])
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return home
	}
	return dir
}

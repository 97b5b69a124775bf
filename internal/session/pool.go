package session

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/hooks"
	"github.com/relaydev/relay/pkg/agentproto"
)

// Pool manages persistent PTY sessions keyed by session id. Frontends
// compose the key from their conversation identity (e.g. channel:thread)
// so each conversation keeps its own worker.
type Pool struct {
	cfg      config.SessionConfig
	profiles *ProfileRegistry
	logger   *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	onPermission PermissionHandler
	dispatcher   *hooks.Dispatcher

	startPTY func(cmd *exec.Cmd, cols, rows int) (PtyHandle, error)

	cleanupOnce sync.Once
	stopOnce    sync.Once
	stopCh      chan struct{}
	wg          sync.WaitGroup
}

// NewPool creates a session pool. The cleanup loop starts lazily with the
// first send.
func NewPool(cfg config.SessionConfig, profiles *ProfileRegistry, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	if profiles == nil {
		profiles = NewProfileRegistry()
	}
	return &Pool{
		cfg:      cfg,
		profiles: profiles,
		logger:   log,
		sessions: make(map[string]*Session),
		startPTY: startPTYWithSize,
		stopCh:   make(chan struct{}),
	}
}

// SetPermissionHandler installs the handler consulted when a worker asks
// for tool permission. Set before serving traffic.
func (p *Pool) SetPermissionHandler(h PermissionHandler) {
	p.onPermission = h
}

// SetDispatcher installs the hook dispatcher used for session lifecycle
// events. Optional.
func (p *Pool) SetDispatcher(d *hooks.Dispatcher) {
	p.dispatcher = d
}

// Send delivers a prompt to the session's worker, creating the session on
// first use, and blocks until the turn completes. Chunks stream through
// sink as they arrive. A non-positive timeout uses the configured default.
func (p *Pool) Send(ctx context.Context, sessionID, prompt, workdir string, timeout time.Duration, sink ChunkSink) (*agentproto.ExecutionResult, error) {
	return p.SendWithResume(ctx, sessionID, prompt, workdir, "", timeout, sink)
}

// SendWithResume is Send with a worker conversation to continue. The token
// only matters when no live worker exists for the session: the fresh worker
// is launched with the profile's resume args so it picks the conversation
// back up. A live worker already has its state and gets the prompt as is.
func (p *Pool) SendWithResume(ctx context.Context, sessionID, prompt, workdir, resumeToken string, timeout time.Duration, sink ChunkSink) (*agentproto.ExecutionResult, error) {
	if timeout <= 0 {
		timeout = p.cfg.TurnTimeoutDuration()
	}
	p.ensureCleanupLoop()

	sess, err := p.getOrCreate(ctx, sessionID, workdir, resumeToken)
	if err != nil {
		return nil, err
	}

	result := sess.Send(ctx, prompt, timeout, sink)

	// A dead worker's entry is removed so the next send starts fresh.
	switch sess.State() {
	case StateStopped, StateError:
		p.removeEntry(sessionID, sess)
	}
	return result, nil
}

// getOrCreate returns a live session for the key, reusing an existing one
// when possible. Dead entries are replaced. At the session cap the oldest
// idle session is evicted; with none idle, creation fails.
func (p *Pool) getOrCreate(ctx context.Context, sessionID, workdir, resumeToken string) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sessions[sessionID]; ok {
		if existing.Alive() {
			return existing, nil
		}
		p.logger.Info("Replacing dead session", zap.String("session_id", sessionID))
		existing.Stop()
		delete(p.sessions, sessionID)
		p.emitSessionEnd(sessionID, existing, "dead")
	}

	if p.cfg.MaxSessions > 0 && len(p.sessions) >= p.cfg.MaxSessions {
		victim, victimID := p.oldestIdleLocked()
		if victim == nil {
			return nil, fmt.Errorf("max sessions (%d) reached and no idle sessions to evict", p.cfg.MaxSessions)
		}
		p.logger.Info("Evicting oldest idle session", zap.String("session_id", victimID))
		victim.Stop()
		delete(p.sessions, victimID)
		p.emitSessionEnd(victimID, victim, "evicted")
	}

	profile, ok := p.profiles.Get(p.cfg.Profile)
	if !ok {
		return nil, fmt.Errorf("unknown agent profile %q", p.cfg.Profile)
	}

	sess := newSession(sessionID, profile, workdir, resumeToken, p.cfg, p.onPermission, p.startPTY, p.logger)
	if err := sess.start(); err != nil {
		return nil, err
	}
	p.sessions[sessionID] = sess

	p.logger.Info("Created session",
		zap.String("session_id", sessionID),
		zap.Int("total", len(p.sessions)))

	// Emitted off the pool lock; handlers may call back into the pool.
	if p.dispatcher != nil {
		go p.dispatcher.Emit(context.Background(), hooks.NewEvent(hooks.EventSessionStart, sessionID, map[string]interface{}{
			"working_directory": workdir,
			"profile":           profile.Name,
			"pid":               sess.pid(),
		}))
	}
	return sess, nil
}

// oldestIdleLocked finds the idle session with the oldest activity.
// Caller holds p.mu.
func (p *Pool) oldestIdleLocked() (*Session, string) {
	var victim *Session
	var victimID string
	for id, s := range p.sessions {
		if s.State() != StateIdle {
			continue
		}
		if victim == nil || s.LastActivity().Before(victim.LastActivity()) {
			victim = s
			victimID = id
		}
	}
	return victim, victimID
}

// Get returns a live session by id.
func (p *Pool) Get(sessionID string) (*Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[sessionID]
	if !ok || !s.Alive() {
		return nil, false
	}
	return s, true
}

// Interrupt sends Ctrl+C to a session's worker. Unknown sessions return false.
func (p *Pool) Interrupt(sessionID string) bool {
	s, ok := p.Get(sessionID)
	if !ok {
		return false
	}
	return s.Interrupt()
}

// Remove stops and removes a session. Returns false when not found.
func (p *Pool) Remove(sessionID string) bool {
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if ok {
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	s.Stop()
	p.emitSessionEnd(sessionID, s, "removed")
	p.logger.Info("Removed session", zap.String("session_id", sessionID))
	return true
}

// ListSessions returns all session ids.
func (p *Pool) ListSessions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.sessions))
	for id := range p.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Infos snapshots every session for status endpoints.
func (p *Pool) Infos() []agentproto.SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]agentproto.SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.Info())
	}
	return out
}

// Info snapshots one session.
func (p *Pool) Info(sessionID string) (agentproto.SessionInfo, bool) {
	p.mu.RLock()
	s, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	if !ok {
		return agentproto.SessionInfo{}, false
	}
	return s.Info(), true
}

// Count returns the number of tracked sessions.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// ensureCleanupLoop starts the idle eviction loop exactly once.
func (p *Pool) ensureCleanupLoop() {
	p.cleanupOnce.Do(func() {
		p.wg.Add(1)
		go p.cleanupLoop()
		p.logger.Info("Started session cleanup loop",
			zap.Duration("interval", p.cfg.CleanupIntervalDuration()),
			zap.Duration("idle_ttl", p.cfg.IdleTTLDuration()))
	})
}

func (p *Pool) cleanupLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.CleanupIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanupIdle()
		case <-p.stopCh:
			return
		}
	}
}

// cleanupIdle removes dead sessions and idle sessions past the TTL.
func (p *Pool) cleanupIdle() int {
	ttl := p.cfg.IdleTTLDuration()
	now := time.Now()

	p.mu.RLock()
	var stale []string
	for id, s := range p.sessions {
		if !s.Alive() {
			stale = append(stale, id)
			continue
		}
		if s.State() == StateIdle && now.Sub(s.LastActivity()) > ttl {
			stale = append(stale, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range stale {
		p.logger.Info("Cleaning up stale session", zap.String("session_id", id))
		p.Remove(id)
	}
	return len(stale)
}

// CleanupAll stops the cleanup loop and tears every session down
// concurrently. Used at shutdown.
func (p *Pool) CleanupAll() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	snapshot := make(map[string]*Session, len(p.sessions))
	for id, s := range p.sessions {
		snapshot[id] = s
	}
	p.sessions = make(map[string]*Session)
	p.mu.Unlock()

	g := new(errgroup.Group)
	for id, s := range snapshot {
		id, s := id, s
		g.Go(func() error {
			s.Stop()
			p.emitSessionEnd(id, s, "shutdown")
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("Cleaned up all sessions", zap.Int("count", len(snapshot)))
}

// removeEntry deletes a specific session instance from the map. A newer
// session under the same id is left alone.
func (p *Pool) removeEntry(sessionID string, sess *Session) {
	p.mu.Lock()
	if current, ok := p.sessions[sessionID]; ok && current == sess {
		delete(p.sessions, sessionID)
	}
	p.mu.Unlock()
	sess.Stop()
	p.emitSessionEnd(sessionID, sess, "dead")
}

func (p *Pool) emitSessionEnd(sessionID string, sess *Session, reason string) {
	if p.dispatcher == nil {
		return
	}
	go p.dispatcher.Emit(context.Background(), hooks.NewEvent(hooks.EventSessionEnd, sessionID, map[string]interface{}{
		"reason":           reason,
		"duration_seconds": time.Since(sess.Info().CreatedAt).Seconds(),
	}))
}

// Package approval implements correlation registries for human-in-the-loop
// decisions. An execution that needs a human verdict registers a pending
// entry, notifies the frontend out-of-band, and blocks until some other
// goroutine resolves the entry by its correlation id. The engine runs two
// registry instances, one for tool permissions and one for plan approvals.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// idLength is the number of uuid characters kept for correlation ids.
// Short ids survive being embedded in chat button payloads.
const idLength = 8

// Request carries the context of a decision being asked for.
type Request struct {
	SessionID string `json:"session_id"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	// Tool permission requests
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	// Plan approval requests
	PlanContent string `json:"plan_content,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// Pending is a registered request awaiting resolution.
type Pending struct {
	ID        string    `json:"id"`
	Request   Request   `json:"request"`
	CreatedAt time.Time `json:"created_at"`

	resolved bool
	done     chan resolution
}

// resolution is the verdict delivered to the waiting goroutine.
type resolution struct {
	approved  bool
	by        string
	cancelled bool
}

// Decision is the outcome returned to the blocked requester.
type Decision struct {
	Approved   bool   `json:"approved"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
}

// Notifier delivers the pending request out-of-band (chat message, webhook).
// A notifier error is logged but the request keeps waiting; the caller's
// context is the only way to abandon it.
type Notifier func(ctx context.Context, pending *Pending) error

// Registry correlates pending requests with out-of-band resolutions.
// All methods are safe for concurrent use.
type Registry struct {
	name   string
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewRegistry creates a registry. The name labels log lines, e.g.
// "permission" or "plan".
func NewRegistry(name string, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		name:    name,
		logger:  log,
		pending: make(map[string]*Pending),
	}
}

// Request registers the request, invokes the notifier, and blocks until the
// entry is resolved, cancelled, or ctx is done. The entry is always removed
// from the registry before Request returns.
func (r *Registry) Request(ctx context.Context, req Request, notify Notifier) (Decision, error) {
	p := &Pending{
		ID:        uuid.New().String()[:idLength],
		Request:   req,
		CreatedAt: time.Now().UTC(),
		done:      make(chan resolution, 1),
	}

	r.mu.Lock()
	r.pending[p.ID] = p
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, p.ID)
		r.mu.Unlock()
	}()

	if notify != nil {
		if err := notify(ctx, p); err != nil {
			r.logger.Warn("Approval notifier failed",
				zap.String("registry", r.name),
				zap.String("approval_id", p.ID),
				zap.Error(err))
		}
	}

	r.logger.Info("Awaiting approval",
		zap.String("registry", r.name),
		zap.String("approval_id", p.ID),
		zap.String("session_id", req.SessionID))

	select {
	case res := <-p.done:
		if res.cancelled {
			return Decision{Cancelled: true}, nil
		}
		return Decision{Approved: res.approved, ResolvedBy: res.by}, nil
	case <-ctx.Done():
		r.markResolved(p)
		return Decision{Cancelled: true}, fmt.Errorf("approval %s abandoned: %w", p.ID, ctx.Err())
	}
}

// Resolve delivers a verdict to the waiting requester. Unknown ids and
// already-resolved entries are benign: both return (nil, false), and a
// stale already-resolved entry is cleared so it cannot leak.
func (r *Registry) Resolve(id string, approved bool, resolvedBy string) (*Pending, bool) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("Approval not found",
			zap.String("registry", r.name),
			zap.String("approval_id", id))
		return nil, false
	}
	if p.resolved {
		delete(r.pending, id)
		r.mu.Unlock()
		r.logger.Warn("Approval already resolved",
			zap.String("registry", r.name),
			zap.String("approval_id", id))
		return nil, false
	}
	p.resolved = true
	p.done <- resolution{approved: approved, by: resolvedBy}
	r.mu.Unlock()

	verdict := "denied"
	if approved {
		verdict = "approved"
	}
	r.logger.Info("Approval resolved",
		zap.String("registry", r.name),
		zap.String("approval_id", id),
		zap.String("verdict", verdict),
		zap.String("resolved_by", resolvedBy))
	return p, true
}

// Cancel aborts a pending request; the requester unblocks with a cancelled
// decision. Returns false when no such entry is pending.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return false
	}
	if !p.resolved {
		p.resolved = true
		p.done <- resolution{cancelled: true}
	}
	delete(r.pending, id)
	return true
}

// CancelForSession cancels every pending request belonging to a session and
// returns how many were cancelled.
func (r *Registry) CancelForSession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.pending {
		if p.Request.SessionID != sessionID {
			continue
		}
		if !p.resolved {
			p.resolved = true
			p.done <- resolution{cancelled: true}
		}
		delete(r.pending, id)
		n++
	}
	return n
}

// CancelAll cancels every pending request and returns how many were
// cancelled. Used during shutdown.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for id, p := range r.pending {
		if !p.resolved {
			p.resolved = true
			p.done <- resolution{cancelled: true}
		}
		delete(r.pending, id)
		n++
	}
	return n
}

// ListPending returns pending entries, optionally filtered by session.
func (r *Registry) ListPending(sessionID string) []*Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Pending, 0, len(r.pending))
	for _, p := range r.pending {
		if sessionID != "" && p.Request.SessionID != sessionID {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// markResolved flags an abandoned entry so a late Resolve is treated as
// already-resolved instead of writing to a dead channel.
func (r *Registry) markResolved(p *Pending) {
	r.mu.Lock()
	p.resolved = true
	r.mu.Unlock()
}

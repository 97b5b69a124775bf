package api

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/api/stream"
	"github.com/relaydev/relay/internal/approval"
	"github.com/relaydev/relay/internal/budget"
	"github.com/relaydev/relay/internal/common/errors"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/executor"
	"github.com/relaydev/relay/internal/history"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/pkg/agentproto"
	v1 "github.com/relaydev/relay/pkg/api/v1"
)

// Runner is the slice of the executor the handlers need.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) (*agentproto.ExecutionResult, error)
}

// SessionManager is the slice of the session pool the handlers need.
type SessionManager interface {
	Interrupt(sessionID string) bool
	Remove(sessionID string) bool
	Infos() []agentproto.SessionInfo
	Info(sessionID string) (agentproto.SessionInfo, bool)
}

// Deps are the collaborators the handlers are built from.
type Deps struct {
	Runner      Runner
	Sessions    SessionManager
	Checker     *budget.Checker
	Scheduler   *budget.Scheduler
	Permissions *approval.Registry
	Plans       *approval.Registry
	Store       history.Store
	Transcripts *history.TranscriptStore
	Profiles    *session.ProfileRegistry
	Hub         *stream.Hub
	Logger      *logger.Logger
}

// Handler contains the HTTP handlers for the Relay API.
type Handler struct {
	runner      Runner
	sessions    SessionManager
	checker     *budget.Checker
	scheduler   *budget.Scheduler
	permissions *approval.Registry
	plans       *approval.Registry
	store       history.Store
	transcripts *history.TranscriptStore
	profiles    *session.ProfileRegistry
	hub         *stream.Hub
	logger      *logger.Logger
	upgrader    websocket.Upgrader
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		runner:      deps.Runner,
		sessions:    deps.Sessions,
		checker:     deps.Checker,
		scheduler:   deps.Scheduler,
		permissions: deps.Permissions,
		plans:       deps.Plans,
		store:       deps.Store,
		transcripts: deps.Transcripts,
		profiles:    deps.Profiles,
		hub:         deps.Hub,
		logger:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Execute runs one prompt turn
// POST /api/v1/execute
func (h *Handler) Execute(c *gin.Context) {
	var req v1.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var sink session.ChunkSink
	if h.hub != nil {
		sink = func(chunk agentproto.Chunk) {
			h.hub.BroadcastChunk(req.SessionID, chunk)
		}
	}

	result, err := h.runner.Execute(c.Request.Context(), executor.Request{
		SessionID: req.SessionID,
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		Workdir:   req.Workdir,
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		Sink:      sink,
	})
	if err != nil {
		if stderrors.Is(err, executor.ErrNoSessionID) || stderrors.Is(err, executor.ErrEmptyPrompt) {
			appErr := errors.BadRequest(err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		h.logger.Error("execution failed", zap.String("session_id", req.SessionID), zap.Error(err))
		appErr := errors.InternalError("execution failed", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, result)
}

// Session endpoints

// ListSessions returns every tracked session
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	infos := h.sessions.Infos()
	c.JSON(http.StatusOK, gin.H{
		"sessions": infos,
		"count":    len(infos),
	})
}

// GetSession returns one session
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	info, ok := h.sessions.Info(sessionID)
	if !ok {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, info)
}

// InterruptSession sends Ctrl+C to a session's worker
// POST /api/v1/sessions/:sessionId/interrupt
func (h *Handler) InterruptSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	interrupted := h.sessions.Interrupt(sessionID)
	if !interrupted {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, v1.InterruptResponse{SessionID: sessionID, Interrupted: true})
}

// RemoveSession stops and removes a session
// DELETE /api/v1/sessions/:sessionId
func (h *Handler) RemoveSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if !h.sessions.Remove(sessionID) {
		appErr := errors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if h.permissions != nil {
		h.permissions.CancelForSession(sessionID)
	}
	if h.plans != nil {
		h.plans.CancelForSession(sessionID)
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "removed": true})
}

// GetTranscript returns recent chunks for a session
// GET /api/v1/sessions/:sessionId/transcript?limit=50
func (h *Handler) GetTranscript(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries := h.transcripts.Get(sessionID, limit)
	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"entries":    entries,
		"count":      len(entries),
	})
}

// GetSessionHistory returns recorded executions for a session
// GET /api/v1/sessions/:sessionId/history?limit=50
func (h *Handler) GetSessionHistory(c *gin.Context) {
	sessionID := c.Param("sessionId")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	recs, err := h.store.ListBySession(c.Request.Context(), sessionID, limit)
	if err != nil {
		h.logger.Error("failed to list session history", zap.String("session_id", sessionID), zap.Error(err))
		appErr := errors.InternalError("failed to list history", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "executions": recs})
}

// Budget endpoints

// GetBudget reports usage against the active schedule
// GET /api/v1/budget
func (h *Handler) GetBudget(c *gin.Context) {
	h.budgetStatus(c, false)
}

// RefreshBudget bypasses the usage cache and re-queries the source
// POST /api/v1/budget/refresh
func (h *Handler) RefreshBudget(c *gin.Context) {
	h.budgetStatus(c, true)
}

func (h *Handler) budgetStatus(c *gin.Context, forceRefresh bool) {
	if h.checker == nil {
		appErr := errors.BadRequest("budget checking is not configured")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	snap, err := h.checker.GetUsage(c.Request.Context(), forceRefresh)
	if err != nil || snap == nil {
		appErr := errors.InternalError("failed to check usage", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	info := h.scheduler.InfoAt(time.Now())
	c.JSON(http.StatusOK, v1.BudgetStatus{
		UsagePercent:       snap.UsagePercent,
		ResetTime:          snap.ResetTime,
		IsPaused:           snap.IsPaused,
		CheckedAt:          snap.CheckedAt,
		IsNighttime:        info.IsNighttime,
		CurrentThreshold:   info.CurrentThreshold,
		DayThreshold:       info.DayThreshold,
		NightThreshold:     info.NightThreshold,
		MinutesUntilChange: info.MinutesUntilChange,
	})
}

// Approval endpoints

// ListApprovals returns pending approvals across both registries
// GET /api/v1/approvals?session_id=...
func (h *Handler) ListApprovals(c *gin.Context) {
	sessionID := c.Query("session_id")

	out := make([]v1.PendingApproval, 0)
	out = append(out, pendingViews(h.permissions, "tool", sessionID)...)
	out = append(out, pendingViews(h.plans, "plan", sessionID)...)

	c.JSON(http.StatusOK, gin.H{"approvals": out, "count": len(out)})
}

func pendingViews(reg *approval.Registry, kind, sessionID string) []v1.PendingApproval {
	if reg == nil {
		return nil
	}
	pending := reg.ListPending(sessionID)
	out := make([]v1.PendingApproval, 0, len(pending))
	for _, p := range pending {
		out = append(out, v1.PendingApproval{
			ID:          p.ID,
			Kind:        kind,
			SessionID:   p.Request.SessionID,
			ChannelID:   p.Request.ChannelID,
			UserID:      p.Request.UserID,
			ToolName:    p.Request.ToolName,
			ToolInput:   p.Request.ToolInput,
			PlanContent: p.Request.PlanContent,
			CreatedAt:   p.CreatedAt,
		})
	}
	return out
}

// ResolveApproval delivers a human verdict for a pending approval
// POST /api/v1/approvals/:approvalId/resolve
func (h *Handler) ResolveApproval(c *gin.Context) {
	approvalID := c.Param("approvalId")

	var req v1.ResolveApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	approved := req.Approved != nil && *req.Approved
	if _, ok := h.permissions.Resolve(approvalID, approved, req.ResolvedBy); ok {
		c.JSON(http.StatusOK, gin.H{"approval_id": approvalID, "approved": approved, "kind": "tool"})
		return
	}
	if _, ok := h.plans.Resolve(approvalID, approved, req.ResolvedBy); ok {
		c.JSON(http.StatusOK, gin.H{"approval_id": approvalID, "approved": approved, "kind": "plan"})
		return
	}

	appErr := errors.NotFound("approval", approvalID)
	c.JSON(appErr.HTTPStatus, appErr)
}

// CancelApproval aborts a pending approval
// DELETE /api/v1/approvals/:approvalId
func (h *Handler) CancelApproval(c *gin.Context) {
	approvalID := c.Param("approvalId")
	if h.permissions.Cancel(approvalID) || h.plans.Cancel(approvalID) {
		c.JSON(http.StatusOK, gin.H{"approval_id": approvalID, "cancelled": true})
		return
	}
	appErr := errors.NotFound("approval", approvalID)
	c.JSON(appErr.HTTPStatus, appErr)
}

// History and profiles

// ListHistory returns recent executions across sessions
// GET /api/v1/history?limit=50
func (h *Handler) ListHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		appErr := errors.InternalError("failed to list history", err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": recs})
}

// ListProfiles returns the registered agent profiles
// GET /api/v1/profiles
func (h *Handler) ListProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": h.profiles.List()})
}

// Health reports engine liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(h.sessions.Infos()),
	})
}

// ServeWS upgrades the connection and streams chunks and hook events
// GET /ws?session_id=...
func (h *Handler) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := stream.NewClient(h.hub, conn, h.logger)
	if sessionID := c.Query("session_id"); sessionID != "" {
		client.Subscribe(sessionID)
	}

	go client.WritePump()
	go client.ReadPump()
}

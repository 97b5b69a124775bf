// Package executor runs prompt turns end to end: budget gate, session pool
// send, hook emissions, plan approval follow-up, history record.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/approval"
	"github.com/relaydev/relay/internal/budget"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/history"
	"github.com/relaydev/relay/internal/hooks"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/pkg/agentproto"
)

// Common errors
var (
	ErrNoSessionID = errors.New("request has no session id")
	ErrEmptyPrompt = errors.New("request has an empty prompt")
)

// planContinuationPrompt is sent to the worker after its plan is approved.
const planContinuationPrompt = "The plan was approved. Proceed with the implementation."

// Pool is the slice of the session pool the executor needs.
type Pool interface {
	Send(ctx context.Context, sessionID, prompt, workdir string, timeout time.Duration, sink session.ChunkSink) (*agentproto.ExecutionResult, error)
	SendWithResume(ctx context.Context, sessionID, prompt, workdir, resumeToken string, timeout time.Duration, sink session.ChunkSink) (*agentproto.ExecutionResult, error)
	SetPermissionHandler(h session.PermissionHandler)
}

// Request describes one prompt turn.
type Request struct {
	SessionID string
	ChannelID string
	UserID    string
	Prompt    string
	Workdir   string

	// Timeout bounds the turn; non-positive uses the pool default.
	Timeout time.Duration

	// Sink receives every streamed chunk. Optional.
	Sink session.ChunkSink
}

// Deps are the collaborators an Executor is built from. Pool is required;
// everything else degrades gracefully when nil.
type Deps struct {
	Pool        Pool
	Checker     *budget.Checker
	Scheduler   *budget.Scheduler
	Permissions *approval.Registry
	Plans       *approval.Registry
	Dispatcher  *hooks.Dispatcher
	Store       history.Store
	Transcripts *history.TranscriptStore
	Logger      *logger.Logger
}

// Executor composes the engine subsystems into one Execute entry point.
type Executor struct {
	pool        Pool
	checker     *budget.Checker
	scheduler   *budget.Scheduler
	permissions *approval.Registry
	plans       *approval.Registry
	dispatcher  *hooks.Dispatcher
	store       history.Store
	transcripts *history.TranscriptStore
	logger      *logger.Logger

	permissionNotifier approval.Notifier
	planNotifier       approval.Notifier

	now func() time.Time
}

// New creates an executor and installs its permission handler on the pool.
func New(deps Deps) *Executor {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	e := &Executor{
		pool:        deps.Pool,
		checker:     deps.Checker,
		scheduler:   deps.Scheduler,
		permissions: deps.Permissions,
		plans:       deps.Plans,
		dispatcher:  deps.Dispatcher,
		store:       deps.Store,
		transcripts: deps.Transcripts,
		logger:      log.WithFields(zap.String("component", "executor")),
		now:         time.Now,
	}
	if e.pool != nil && e.permissions != nil {
		e.pool.SetPermissionHandler(e.handlePermission)
	}
	return e
}

// SetNotifiers installs the out-of-band delivery callbacks used when a
// permission or plan approval is registered. The approval id reaches
// frontends through the approval_needed hook regardless.
func (e *Executor) SetNotifiers(permission, plan approval.Notifier) {
	e.permissionNotifier = permission
	e.planNotifier = plan
}

// Execute runs one prompt turn. A budget denial is a normal short-circuit
// result with BudgetExceeded set, never an error. Errors are reserved for
// requests the engine could not run at all.
func (e *Executor) Execute(ctx context.Context, req Request) (*agentproto.ExecutionResult, error) {
	if req.SessionID == "" {
		return nil, ErrNoSessionID
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	executionID := uuid.New().String()
	log := e.logger.WithSessionID(req.SessionID).WithExecutionID(executionID)

	if res := e.budgetGate(ctx, req, log); res != nil {
		e.record(executionID, req, res)
		return res, nil
	}

	var mu sync.Mutex
	var finalChunk agentproto.Chunk
	sink := func(chunk agentproto.Chunk) {
		if e.transcripts != nil {
			e.transcripts.Append(req.SessionID, chunk)
		}
		switch chunk.Type {
		case agentproto.ChunkTypeToolUse:
			e.emit(hooks.EventToolUse, req, map[string]interface{}{
				"tool_name":  chunk.ToolName,
				"tool_input": chunk.ToolInput,
			})
		case agentproto.ChunkTypeResult:
			if chunk.IsFinal {
				mu.Lock()
				finalChunk = chunk
				mu.Unlock()
			}
		}
		if req.Sink != nil {
			req.Sink(chunk)
		}
	}

	log.Info("Executing prompt", zap.Int("prompt_len", len(req.Prompt)))

	result, err := e.pool.Send(ctx, req.SessionID, req.Prompt, req.Workdir, req.Timeout, sink)
	if err != nil {
		e.emit(hooks.EventError, req, map[string]interface{}{"error": err.Error()})
		return nil, err
	}

	mu.Lock()
	final := finalChunk
	mu.Unlock()

	if result.Success && final.Plan != "" && e.plans != nil {
		result = e.runPlanApproval(ctx, req, final, result, sink, log)
	}

	e.emitOutcome(req, executionID, result)
	e.record(executionID, req, result)

	log.Info("Execution finished",
		zap.Bool("success", result.Success),
		zap.Int64("duration_ms", result.DurationMS),
		zap.Float64("cost_usd", result.CostUSD))
	return result, nil
}

// budgetGate returns a short-circuit result when the usage budget blocks
// execution, nil when the turn may proceed.
func (e *Executor) budgetGate(ctx context.Context, req Request, log *logger.Logger) *agentproto.ExecutionResult {
	if e.checker == nil || e.scheduler == nil {
		return nil
	}

	snap, err := e.checker.GetUsage(ctx, false)
	if err != nil || snap == nil {
		snap = &budget.Snapshot{UsagePercent: 100, IsPaused: true, CheckedAt: e.now()}
	}

	pause, reason := e.scheduler.ShouldPause(snap.UsagePercent, e.now())
	if !pause && snap.IsPaused {
		pause, reason = true, "usage could not be determined, pausing until it can be checked"
	}
	if !pause {
		return nil
	}

	log.Warn("Execution blocked by budget",
		zap.Float64("usage_percent", snap.UsagePercent),
		zap.String("reason", reason))

	data := map[string]interface{}{
		"reason":        reason,
		"usage_percent": snap.UsagePercent,
	}
	if snap.ResetTime != nil {
		data["reset_time"] = snap.ResetTime.Format(time.RFC3339)
	}
	e.emit(hooks.EventNotification, req, data)

	return &agentproto.ExecutionResult{
		Success:        false,
		Error:          reason,
		BudgetExceeded: true,
	}
}

// runPlanApproval routes a plan-bearing final chunk through the plan
// registry. Approval re-sends a continuation prompt on the same session;
// denial returns the plan text with WasCancelled set.
func (e *Executor) runPlanApproval(ctx context.Context, req Request, final agentproto.Chunk, result *agentproto.ExecutionResult, sink session.ChunkSink, log *logger.Logger) *agentproto.ExecutionResult {
	areq := approval.Request{
		SessionID:   req.SessionID,
		ChannelID:   req.ChannelID,
		UserID:      req.UserID,
		PlanContent: final.Plan,
		ResumeToken: final.ResumeToken,
	}

	decision, err := e.plans.Request(ctx, areq, e.notifyWith(req, "plan", e.planNotifier))
	if err != nil {
		log.Warn("Plan approval abandoned", zap.Error(err))
		result.Success = false
		result.Output = final.Plan
		result.Error = "cancelled"
		result.WasCancelled = true
		return result
	}

	approved := decision.Approved && !decision.Cancelled
	e.emit(hooks.EventApprovalResponse, req, map[string]interface{}{
		"kind":        "plan",
		"approved":    approved,
		"resolved_by": decision.ResolvedBy,
	})

	if !approved {
		result.Success = false
		result.Output = final.Plan
		result.Error = "plan not approved"
		result.WasCancelled = true
		return result
	}

	// The approval wait is unbounded; the worker may have been evicted or
	// died in the meantime. The resume token lets a replacement worker
	// continue the planned conversation instead of starting cold.
	followup, err := e.pool.SendWithResume(ctx, req.SessionID, planContinuationPrompt, req.Workdir, final.ResumeToken, req.Timeout, sink)
	if err != nil {
		e.emit(hooks.EventError, req, map[string]interface{}{"error": err.Error()})
		result.Success = false
		result.Error = err.Error()
		return result
	}

	// One turn from the caller's point of view.
	followup.CostUSD += result.CostUSD
	followup.DurationMS += result.DurationMS
	return followup
}

// handlePermission is installed on the pool. It suspends the in-flight
// send on the permission registry until someone resolves the request.
func (e *Executor) handlePermission(ctx context.Context, sessionID string, chunk agentproto.Chunk) (bool, error) {
	areq := approval.Request{
		SessionID: sessionID,
		Prompt:    chunk.Content,
		ToolName:  chunk.ToolName,
		ToolInput: chunk.ToolInput,
	}
	req := Request{SessionID: sessionID}

	decision, err := e.permissions.Request(ctx, areq, e.notifyWith(req, "tool", e.permissionNotifier))
	if err != nil {
		return false, err
	}

	approved := decision.Approved && !decision.Cancelled
	e.emit(hooks.EventApprovalResponse, req, map[string]interface{}{
		"kind":        "tool",
		"tool_name":   chunk.ToolName,
		"approved":    approved,
		"resolved_by": decision.ResolvedBy,
	})
	return approved, nil
}

// notifyWith emits approval_needed (carrying the correlation id) and then
// invokes the configured out-of-band notifier, if any.
func (e *Executor) notifyWith(req Request, kind string, next approval.Notifier) approval.Notifier {
	return func(ctx context.Context, pending *approval.Pending) error {
		e.emit(hooks.EventApprovalNeeded, req, map[string]interface{}{
			"approval_id":  pending.ID,
			"kind":         kind,
			"tool_name":    pending.Request.ToolName,
			"tool_input":   pending.Request.ToolInput,
			"plan_content": pending.Request.PlanContent,
		})
		if next != nil {
			return next(ctx, pending)
		}
		return nil
	}
}

// emitOutcome publishes the terminal hook events for a finished turn.
func (e *Executor) emitOutcome(req Request, executionID string, result *agentproto.ExecutionResult) {
	if result.CostUSD > 0 {
		e.emit(hooks.EventCostUpdate, req, map[string]interface{}{
			"execution_id": executionID,
			"cost_usd":     result.CostUSD,
			"duration_ms":  result.DurationMS,
		})
	}
	if result.Success {
		e.emit(hooks.EventResult, req, map[string]interface{}{
			"execution_id": executionID,
			"output":       result.Output,
		})
		return
	}
	e.emit(hooks.EventError, req, map[string]interface{}{
		"execution_id":  executionID,
		"error":         result.Error,
		"was_cancelled": result.WasCancelled,
	})
}

// emit dispatches one hook event synchronously. Handlers are expected to
// be quick; slow consumers belong behind the event bus bridge.
func (e *Executor) emit(eventType hooks.EventType, req Request, data map[string]interface{}) {
	if e.dispatcher == nil {
		return
	}
	event := hooks.NewEvent(eventType, req.SessionID, data)
	if req.ChannelID != "" {
		event.ChannelID = req.ChannelID
	}
	e.dispatcher.Emit(context.Background(), event)
}

// record persists the turn outcome. Uses a fresh context so a cancelled
// turn still gets recorded.
func (e *Executor) record(executionID string, req Request, result *agentproto.ExecutionResult) {
	if e.store == nil {
		return
	}
	rec := &history.ExecutionRecord{
		ID:             executionID,
		SessionID:      req.SessionID,
		ChannelID:      req.ChannelID,
		UserID:         req.UserID,
		Prompt:         req.Prompt,
		Output:         result.Output,
		Success:        result.Success,
		Error:          result.Error,
		AgentSessionID: result.SessionID,
		CostUSD:        result.CostUSD,
		DurationMS:     result.DurationMS,
		WasCancelled:   result.WasCancelled,
		BudgetExceeded: result.BudgetExceeded,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Record(ctx, rec); err != nil {
		e.logger.Error("Failed to record execution",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

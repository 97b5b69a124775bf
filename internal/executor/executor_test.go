package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/approval"
	"github.com/relaydev/relay/internal/budget"
	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/history"
	"github.com/relaydev/relay/internal/hooks"
	"github.com/relaydev/relay/internal/session"
	"github.com/relaydev/relay/pkg/agentproto"
)

type sendCall struct {
	sessionID   string
	prompt      string
	workdir     string
	resumeToken string
}

// fakePool scripts pool responses per Send invocation.
type fakePool struct {
	mu      sync.Mutex
	calls   []sendCall
	handler session.PermissionHandler
	respond func(n int, call sendCall, sink session.ChunkSink) (*agentproto.ExecutionResult, error)
}

func (f *fakePool) Send(ctx context.Context, sessionID, prompt, workdir string, timeout time.Duration, sink session.ChunkSink) (*agentproto.ExecutionResult, error) {
	return f.SendWithResume(ctx, sessionID, prompt, workdir, "", timeout, sink)
}

func (f *fakePool) SendWithResume(ctx context.Context, sessionID, prompt, workdir, resumeToken string, timeout time.Duration, sink session.ChunkSink) (*agentproto.ExecutionResult, error) {
	f.mu.Lock()
	call := sendCall{sessionID: sessionID, prompt: prompt, workdir: workdir, resumeToken: resumeToken}
	f.calls = append(f.calls, call)
	n := len(f.calls)
	f.mu.Unlock()
	return f.respond(n, call, sink)
}

func (f *fakePool) SetPermissionHandler(h session.PermissionHandler) { f.handler = h }

func (f *fakePool) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePool) call(n int) sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[n]
}

type stubUsageSource struct {
	output string
	err    error
}

func (s stubUsageSource) Query(ctx context.Context) (string, error) { return s.output, s.err }

// eventRecorder collects every hook event the executor emits.
type eventRecorder struct {
	mu     sync.Mutex
	events []*hooks.Event
}

func (r *eventRecorder) handle(ctx context.Context, e *hooks.Event) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil, nil
}

func (r *eventRecorder) ofType(t hooks.EventType) []*hooks.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*hooks.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testRig struct {
	exec     *Executor
	pool     *fakePool
	recorder *eventRecorder
	store    *history.MemoryStore
	plans    *approval.Registry
	perms    *approval.Registry
}

// newTestRig wires an executor over a fake pool with usage at the given
// CLI output, clock pinned to midday.
func newTestRig(t *testing.T, pool *fakePool, usageOutput string) *testRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	recorder := &eventRecorder{}
	dispatcher := hooks.NewDispatcher(log)
	for _, et := range hooks.AllEventTypes() {
		_, err := dispatcher.Register(et, recorder.handle, "recorder-"+string(et))
		require.NoError(t, err)
	}

	checker := budget.NewChecker(stubUsageSource{output: usageOutput}, time.Minute, log)
	scheduler := budget.NewScheduler(config.BudgetConfig{
		DayThreshold:   70,
		NightThreshold: 90,
		NightStartHour: 22,
		NightEndHour:   8,
	})

	store := history.NewMemoryStore()
	perms := approval.NewRegistry("permission", log)
	plans := approval.NewRegistry("plan", log)

	e := New(Deps{
		Pool:        pool,
		Checker:     checker,
		Scheduler:   scheduler,
		Permissions: perms,
		Plans:       plans,
		Dispatcher:  dispatcher,
		Store:       store,
		Transcripts: history.NewTranscriptStore(50),
		Logger:      log,
	})
	e.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }

	return &testRig{exec: e, pool: pool, recorder: recorder, store: store, plans: plans, perms: perms}
}

func okPool(output string, cost float64) *fakePool {
	return &fakePool{respond: func(n int, call sendCall, sink session.ChunkSink) (*agentproto.ExecutionResult, error) {
		if sink != nil {
			sink(agentproto.Chunk{Type: agentproto.ChunkTypeAssistant, Content: output})
			sink(agentproto.Chunk{Type: agentproto.ChunkTypeResult, IsFinal: true, CostUSD: cost})
		}
		return &agentproto.ExecutionResult{Success: true, Output: output, CostUSD: cost, DurationMS: 10}, nil
	}}
}

func TestExecuteValidation(t *testing.T) {
	rig := newTestRig(t, okPool("hi", 0), "10% used")

	_, err := rig.exec.Execute(context.Background(), Request{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrNoSessionID)

	_, err = rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "   "})
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	assert.Equal(t, 0, rig.pool.callCount())
}

func TestExecuteSuccess(t *testing.T) {
	rig := newTestRig(t, okPool("all done", 0.05), "10% used")

	res, err := rig.exec.Execute(context.Background(), Request{
		SessionID: "chan:1",
		ChannelID: "chan",
		UserID:    "u1",
		Prompt:    "do the thing",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "all done", res.Output)
	assert.Equal(t, 1, rig.pool.callCount())

	results := rig.recorder.ofType(hooks.EventResult)
	require.Len(t, results, 1)
	assert.Equal(t, "chan:1", results[0].SessionID)
	assert.Equal(t, "chan", results[0].ChannelID)

	costs := rig.recorder.ofType(hooks.EventCostUpdate)
	require.Len(t, costs, 1)
	assert.InDelta(t, 0.05, costs[0].Data["cost_usd"], 1e-9)

	recs, err := rig.store.ListBySession(context.Background(), "chan:1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "do the thing", recs[0].Prompt)
	assert.Equal(t, "all done", recs[0].Output)
	assert.True(t, recs[0].Success)

	entries := rig.exec.transcripts.Get("chan:1", 0)
	assert.Len(t, entries, 2)
}

func TestExecuteBudgetBlocked(t *testing.T) {
	rig := newTestRig(t, okPool("hi", 0), "Usage: 95%")

	res, err := rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "hi"})
	require.NoError(t, err, "budget denial must not be a transport error")
	assert.False(t, res.Success)
	assert.True(t, res.BudgetExceeded)
	assert.Contains(t, res.Error, "95.0% exceeds day threshold of 70%")

	// The worker is never consulted.
	assert.Equal(t, 0, rig.pool.callCount())

	notes := rig.recorder.ofType(hooks.EventNotification)
	require.Len(t, notes, 1)
	assert.InDelta(t, 95.0, notes[0].Data["usage_percent"], 1e-9)

	recs, err := rig.store.ListBySession(context.Background(), "chan:1", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].BudgetExceeded)
}

func TestExecuteBudgetFailSafe(t *testing.T) {
	pool := okPool("hi", 0)
	rig := newTestRig(t, pool, "no numbers here at all")

	res, err := rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "hi"})
	require.NoError(t, err)
	assert.True(t, res.BudgetExceeded)
	assert.Equal(t, 0, pool.callCount())
}

func TestExecutePoolError(t *testing.T) {
	pool := &fakePool{respond: func(int, sendCall, session.ChunkSink) (*agentproto.ExecutionResult, error) {
		return nil, errors.New("max sessions (1) reached and no idle sessions to evict")
	}}
	rig := newTestRig(t, pool, "10% used")

	_, err := rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max sessions")

	errs := rig.recorder.ofType(hooks.EventError)
	require.Len(t, errs, 1)
}

func planPool(plan, followupOutput string) *fakePool {
	return &fakePool{respond: func(n int, call sendCall, sink session.ChunkSink) (*agentproto.ExecutionResult, error) {
		if n == 1 {
			if sink != nil {
				sink(agentproto.Chunk{
					Type:        agentproto.ChunkTypeResult,
					IsFinal:     true,
					Content:     plan,
					Plan:        plan,
					ResumeToken: "resume-xyz",
					CostUSD:     0.10,
				})
			}
			return &agentproto.ExecutionResult{Success: true, Output: plan, CostUSD: 0.10, DurationMS: 5}, nil
		}
		if sink != nil {
			sink(agentproto.Chunk{Type: agentproto.ChunkTypeResult, IsFinal: true, Content: followupOutput, CostUSD: 0.20})
		}
		return &agentproto.ExecutionResult{Success: true, Output: followupOutput, CostUSD: 0.20, DurationMS: 7}, nil
	}}
}

// resolveWhenPending approves or denies the first pending plan approval.
func resolveWhenPending(t *testing.T, reg *approval.Registry, approved bool) {
	t.Helper()
	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if pending := reg.ListPending(""); len(pending) > 0 {
				reg.Resolve(pending[0].ID, approved, "tester")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func TestExecutePlanApproved(t *testing.T) {
	pool := planPool("1. refactor\n2. test", "implemented")
	rig := newTestRig(t, pool, "10% used")
	resolveWhenPending(t, rig.plans, true)

	res, err := rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "plan this"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "implemented", res.Output)
	// Cost of both turns is reported as one.
	assert.InDelta(t, 0.30, res.CostUSD, 1e-9)

	require.Equal(t, 2, pool.callCount())
	assert.Equal(t, planContinuationPrompt, pool.call(1).prompt)
	// The follow-up carries the worker's resume token so a replacement
	// worker can continue the planned conversation.
	assert.Equal(t, "resume-xyz", pool.call(1).resumeToken)
	assert.Empty(t, pool.call(0).resumeToken)

	needed := rig.recorder.ofType(hooks.EventApprovalNeeded)
	require.Len(t, needed, 1)
	assert.Equal(t, "plan", needed[0].Data["kind"])
	assert.NotEmpty(t, needed[0].Data["approval_id"])

	responses := rig.recorder.ofType(hooks.EventApprovalResponse)
	require.Len(t, responses, 1)
	assert.Equal(t, true, responses[0].Data["approved"])
}

func TestExecutePlanDenied(t *testing.T) {
	pool := planPool("1. rm -rf /", "never happens")
	rig := newTestRig(t, pool, "10% used")
	resolveWhenPending(t, rig.plans, false)

	res, err := rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "plan this"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.WasCancelled)
	assert.Equal(t, "1. rm -rf /", res.Output)
	assert.Equal(t, 1, pool.callCount(), "denied plans are not executed")
}

func TestExecutePlanAbandonedByContext(t *testing.T) {
	pool := planPool("some plan", "never happens")
	rig := newTestRig(t, pool, "10% used")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := rig.exec.Execute(ctx, Request{SessionID: "chan:1", Prompt: "plan this"})
	require.NoError(t, err)
	assert.True(t, res.WasCancelled)
	assert.Equal(t, 1, pool.callCount())
	assert.Zero(t, rig.plans.Len(), "abandoned entries must not linger")
}

func TestPermissionHandlerRoundTrip(t *testing.T) {
	pool := okPool("hi", 0)
	rig := newTestRig(t, pool, "10% used")
	require.NotNil(t, pool.handler, "executor must install its permission handler")

	resolveWhenPending(t, rig.perms, true)
	approved, err := pool.handler(context.Background(), "chan:1", agentproto.Chunk{
		Type:      agentproto.ChunkTypePermission,
		ToolName:  "Bash",
		ToolInput: `{"command":"ls"}`,
	})
	require.NoError(t, err)
	assert.True(t, approved)

	needed := rig.recorder.ofType(hooks.EventApprovalNeeded)
	require.Len(t, needed, 1)
	assert.Equal(t, "tool", needed[0].Data["kind"])
	assert.Equal(t, "Bash", needed[0].Data["tool_name"])
	assert.NotEmpty(t, needed[0].Data["approval_id"])

	resolveWhenPending(t, rig.perms, false)
	approved, err = pool.handler(context.Background(), "chan:1", agentproto.Chunk{
		Type:     agentproto.ChunkTypePermission,
		ToolName: "Bash",
	})
	require.NoError(t, err)
	assert.False(t, approved)
}

func TestNotifierFailureStillWaits(t *testing.T) {
	pool := planPool("a plan", "done")
	rig := newTestRig(t, pool, "10% used")
	rig.exec.SetNotifiers(nil, func(ctx context.Context, p *approval.Pending) error {
		return fmt.Errorf("chat is down")
	})
	resolveWhenPending(t, rig.plans, true)

	res, err := rig.exec.Execute(context.Background(), Request{SessionID: "chan:1", Prompt: "plan this"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Output)
}

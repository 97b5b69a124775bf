package hooks

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func TestDispatcher_RegisterAutoName(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	name1, err := d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) {
		return nil, nil
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "handler-1", name1)

	name2, err := d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) {
		return nil, nil
	}, "")
	require.NoError(t, err)
	assert.Equal(t, "handler-2", name2)

	assert.Equal(t, 2, d.Len())
}

func TestDispatcher_RegisterInvalidType(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	_, err := d.Register(EventType("bogus"), func(ctx context.Context, e *Event) (interface{}, error) {
		return nil, nil
	}, "")
	assert.Error(t, err)

	_, err = d.Register(EventResult, nil, "")
	assert.Error(t, err)
}

func TestDispatcher_RegisterReplacesByName(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))
	var calls int32

	_, err := d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "first", nil
	}, "audit")
	require.NoError(t, err)

	_, err = d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "second", nil
	}, "audit")
	require.NoError(t, err)

	assert.Equal(t, 1, d.Len())

	results := d.Emit(context.Background(), NewEvent(EventResult, "sess-1", nil))
	require.Len(t, results, 1)
	assert.Equal(t, "second", results[0].Result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDispatcher_ReplaceWhileEmitting(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	// Bridges re-register under a fixed name while traffic flows; the
	// replacement must never touch a registration Emit already snapshotted.
	// Run under -race.
	_, err := d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) {
		return nil, nil
	}, "shared")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_, rerr := d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) {
				return nil, nil
			}, "shared")
			assert.NoError(t, rerr)
		}
	}()

	event := NewEvent(EventResult, "sess-1", nil)
	for i := 0; i < 200; i++ {
		results := d.Emit(context.Background(), event)
		require.Len(t, results, 1)
		assert.True(t, results[0].Success)
	}
	<-done

	assert.Equal(t, 1, d.Len())
}

func TestDispatcher_Unregister(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	name, err := d.Register(EventError, func(ctx context.Context, e *Event) (interface{}, error) {
		return nil, nil
	}, "alerter")
	require.NoError(t, err)

	assert.True(t, d.Unregister(EventError, name))
	assert.False(t, d.Unregister(EventError, name))
	assert.Equal(t, 0, d.Len())
}

func TestDispatcher_EmitNoHandlers(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	results := d.Emit(context.Background(), NewEvent(EventNotification, "sess-1", nil))
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestDispatcher_EmitIsolatesFailures(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	_, err := d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) {
		return nil, errors.New("boom")
	}, "failing")
	require.NoError(t, err)

	_, err = d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) {
		return "ok", nil
	}, "working")
	require.NoError(t, err)

	results := d.Emit(context.Background(), NewEvent(EventToolUse, "sess-1", map[string]interface{}{
		"tool_name": "bash",
	}))
	require.Len(t, results, 2)

	byName := make(map[string]HandlerResult, len(results))
	for _, r := range results {
		byName[r.HandlerName] = r
	}

	assert.False(t, byName["failing"].Success)
	assert.Contains(t, byName["failing"].Error, "boom")
	assert.True(t, byName["working"].Success)
	assert.Equal(t, "ok", byName["working"].Result)
}

func TestDispatcher_EmitRecoversPanic(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	_, err := d.Register(EventSessionStart, func(ctx context.Context, e *Event) (interface{}, error) {
		panic("handler exploded")
	}, "panicky")
	require.NoError(t, err)

	_, err = d.Register(EventSessionStart, func(ctx context.Context, e *Event) (interface{}, error) {
		return 42, nil
	}, "steady")
	require.NoError(t, err)

	results := d.Emit(context.Background(), NewEvent(EventSessionStart, "sess-1", nil))
	require.Len(t, results, 2)

	byName := make(map[string]HandlerResult, len(results))
	for _, r := range results {
		byName[r.HandlerName] = r
	}

	assert.False(t, byName["panicky"].Success)
	assert.Contains(t, byName["panicky"].Error, "handler exploded")
	assert.True(t, byName["steady"].Success)
}

func TestDispatcher_EmitRecordsDuration(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	_, err := d.Register(EventCostUpdate, func(ctx context.Context, e *Event) (interface{}, error) {
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}, "slow")
	require.NoError(t, err)

	results := d.Emit(context.Background(), NewEvent(EventCostUpdate, "sess-1", nil))
	require.Len(t, results, 1)
	assert.GreaterOrEqual(t, results[0].DurationMS, int64(10))
}

func TestDispatcher_EmitRunsConcurrently(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	// Each handler sleeps 50ms; concurrent fan-out finishes well under the
	// 150ms a serial run would need.
	for i := 0; i < 3; i++ {
		_, err := d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}, "")
		require.NoError(t, err)
	}

	start := time.Now()
	results := d.Emit(context.Background(), NewEvent(EventResult, "sess-1", nil))
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.Less(t, elapsed, 140*time.Millisecond)
}

func TestDispatcher_ChannelDefaultsToSession(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	var got string
	_, err := d.Register(EventNotification, func(ctx context.Context, e *Event) (interface{}, error) {
		got = e.ChannelID
		return nil, nil
	}, "")
	require.NoError(t, err)

	event := &Event{Type: EventNotification, SessionID: "sess-42"}
	d.Emit(context.Background(), event)
	assert.Equal(t, "sess-42", got)
}

func TestDispatcher_ListHandlers(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	_, _ = d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) { return nil, nil }, "a")
	_, _ = d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) { return nil, nil }, "b")
	_, _ = d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) { return nil, nil }, "c")

	scoped := d.ListHandlers(EventToolUse)
	assert.ElementsMatch(t, []string{"a", "b"}, scoped[EventToolUse])
	assert.NotContains(t, scoped, EventResult)

	all := d.ListHandlers("")
	assert.ElementsMatch(t, []string{"a", "b"}, all[EventToolUse])
	assert.ElementsMatch(t, []string{"c"}, all[EventResult])
}

func TestDispatcher_Clear(t *testing.T) {
	d := NewDispatcher(newTestLogger(t))

	_, _ = d.Register(EventToolUse, func(ctx context.Context, e *Event) (interface{}, error) { return nil, nil }, "a")
	_, _ = d.Register(EventResult, func(ctx context.Context, e *Event) (interface{}, error) { return nil, nil }, "b")

	d.Clear(EventToolUse)
	assert.Equal(t, 1, d.Len())

	d.Clear("")
	assert.Equal(t, 0, d.Len())
}

func TestBindBus_PublishesHookEvents(t *testing.T) {
	log := newTestLogger(t)
	d := NewDispatcher(log)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	require.NoError(t, BindBus(d, eventBus, "relay-test"))

	received := make(chan *bus.Event, 1)
	sub, err := eventBus.Subscribe(events.BuildHookWildcardSubject(), func(ctx context.Context, e *bus.Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	results := d.Emit(context.Background(), NewEvent(EventToolUse, "sess-7", map[string]interface{}{
		"tool_name": "edit",
	}))
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)

	select {
	case e := <-received:
		assert.Equal(t, string(EventToolUse), e.Type)
		assert.Equal(t, "relay-test", e.Source)
		assert.Equal(t, "sess-7", e.Data["session_id"])
		assert.Equal(t, "edit", e.Data["tool_name"])
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for bridged hook event")
	}

	UnbindBus(d)
	assert.Equal(t, 0, d.Len())
}

package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
)

// Handler processes one hook event. The returned value is surfaced in the
// HandlerResult; errors and panics are recorded, never propagated.
type Handler func(ctx context.Context, event *Event) (interface{}, error)

// registration binds a named handler to an event type.
type registration struct {
	name    string
	handler Handler
}

// Dispatcher routes hook events to registered handlers.
// All methods are safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType][]*registration
	nextID   int
	logger   *logger.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	return &Dispatcher{
		handlers: make(map[EventType][]*registration),
		logger:   log,
	}
}

// Register adds a handler for an event type and returns the handler name.
// An empty name gets an auto-generated one. Registering an existing name
// on the same event type replaces the previous handler.
func (d *Dispatcher) Register(eventType EventType, handler Handler, name string) (string, error) {
	if !ValidEventType(eventType) {
		return "", fmt.Errorf("unknown hook event type: %s", eventType)
	}
	if handler == nil {
		return "", fmt.Errorf("hook handler must not be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if name == "" {
		d.nextID++
		name = fmt.Sprintf("handler-%d", d.nextID)
	}

	// Registrations are immutable once published: Emit snapshots the
	// pointers and reads them outside the lock, so replacement swaps in a
	// fresh struct instead of mutating the shared one.
	for i, reg := range d.handlers[eventType] {
		if reg.name == name {
			d.handlers[eventType][i] = &registration{name: name, handler: handler}
			d.logger.Debug("Replaced hook handler",
				zap.String("event_type", string(eventType)),
				zap.String("handler", name))
			return name, nil
		}
	}

	d.handlers[eventType] = append(d.handlers[eventType], &registration{
		name:    name,
		handler: handler,
	})

	d.logger.Debug("Registered hook handler",
		zap.String("event_type", string(eventType)),
		zap.String("handler", name))
	return name, nil
}

// Unregister removes the named handler from an event type. Removal is by
// name only; func values are not comparable, so there is no removal by
// handler. Returns false when no such handler is registered.
func (d *Dispatcher) Unregister(eventType EventType, name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[eventType]
	for i, reg := range regs {
		if reg.name == name {
			d.handlers[eventType] = append(regs[:i], regs[i+1:]...)
			d.logger.Debug("Unregistered hook handler",
				zap.String("event_type", string(eventType)),
				zap.String("handler", name))
			return true
		}
	}
	return false
}

// ListHandlers returns the handler names registered for an event type.
// With an empty event type it returns all handler names grouped by type.
func (d *Dispatcher) ListHandlers(eventType EventType) map[EventType][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[EventType][]string)
	if eventType != "" {
		for _, reg := range d.handlers[eventType] {
			out[eventType] = append(out[eventType], reg.name)
		}
		return out
	}
	for et, regs := range d.handlers {
		for _, reg := range regs {
			out[et] = append(out[et], reg.name)
		}
	}
	return out
}

// Clear removes all handlers for an event type, or every handler when the
// event type is empty.
func (d *Dispatcher) Clear(eventType EventType) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if eventType != "" {
		delete(d.handlers, eventType)
		return
	}
	d.handlers = make(map[EventType][]*registration)
}

// Len returns the total number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, regs := range d.handlers {
		n += len(regs)
	}
	return n
}

// Emit delivers the event to every handler registered for its type,
// concurrently, and returns one result per handler. A handler error or
// panic is captured in its result and never affects the other handlers.
// Returns an empty slice when no handlers are registered.
func (d *Dispatcher) Emit(ctx context.Context, event *Event) []HandlerResult {
	if event.ChannelID == "" {
		event.ChannelID = event.SessionID
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	d.mu.RLock()
	regs := make([]*registration, len(d.handlers[event.Type]))
	copy(regs, d.handlers[event.Type])
	d.mu.RUnlock()

	results := make([]HandlerResult, len(regs))
	if len(regs) == 0 {
		return results
	}

	var wg sync.WaitGroup
	for i, reg := range regs {
		wg.Add(1)
		go func(idx int, r *registration) {
			defer wg.Done()
			results[idx] = d.invoke(ctx, r, event)
		}(i, reg)
	}
	wg.Wait()

	for _, res := range results {
		if !res.Success {
			d.logger.Warn("Hook handler failed",
				zap.String("event_type", string(event.Type)),
				zap.String("handler", res.HandlerName),
				zap.String("error", res.Error))
		}
	}
	return results
}

// invoke runs one handler with panic recovery and timing.
func (d *Dispatcher) invoke(ctx context.Context, reg *registration, event *Event) (res HandlerResult) {
	res.HandlerName = reg.name
	start := time.Now()

	defer func() {
		res.DurationMS = time.Since(start).Milliseconds()
		if r := recover(); r != nil {
			res.Success = false
			res.Result = nil
			res.Error = fmt.Sprintf("handler panic: %v", r)
		}
	}()

	value, err := reg.handler(ctx, event)
	if err != nil {
		res.Success = false
		res.Error = err.Error()
		return res
	}
	res.Success = true
	res.Result = value
	return res
}

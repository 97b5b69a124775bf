// Package events provides event subjects and utilities for the Relay event system.
package events

// Hook event subjects. Every hook event the dispatcher emits is mirrored
// onto the bus under relay.hooks.<type> so external observers (chat
// frontends, audit sinks) can subscribe without coupling to the engine.
const (
	HookSubjectPrefix = "relay.hooks"
)

// Event types for session lifecycle
const (
	SessionStarted = "session.started"
	SessionStopped = "session.stopped"
	SessionEvicted = "session.evicted"
)

// Event types for executions
const (
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
)

// Event types for approvals
const (
	ApprovalRequested = "approval.requested"
	ApprovalResolved  = "approval.resolved"
)

// Event types for budget checks
const (
	BudgetPaused  = "budget.paused"
	BudgetResumed = "budget.resumed"
)

// Event types for streamed agent output
const (
	AgentStream = "agent.stream" // Base subject for per-session chunk streams
)

// BuildHookSubject creates the bus subject for a hook event type.
func BuildHookSubject(hookType string) string {
	return HookSubjectPrefix + "." + hookType
}

// BuildHookWildcardSubject creates a wildcard subscription for all hook events.
func BuildHookWildcardSubject() string {
	return HookSubjectPrefix + ".*"
}

// BuildAgentStreamSubject creates an agent stream subject for a specific session.
func BuildAgentStreamSubject(sessionID string) string {
	return AgentStream + "." + sessionID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events.
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

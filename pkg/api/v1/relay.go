// Package v1 defines the wire types of the Relay HTTP API, shared with
// frontend clients.
package v1

import "time"

// ExecuteRequest submits one prompt turn to an agent session.
type ExecuteRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Prompt    string `json:"prompt" binding:"required"`
	Workdir   string `json:"workdir,omitempty"`

	// TimeoutSeconds bounds the turn; 0 uses the server default.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// ResolveApprovalRequest delivers a human verdict for a pending approval.
type ResolveApprovalRequest struct {
	Approved   *bool  `json:"approved" binding:"required"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// PendingApproval describes one approval awaiting a verdict.
type PendingApproval struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"` // "tool" or "plan"
	SessionID   string    `json:"session_id"`
	ChannelID   string    `json:"channel_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	ToolName    string    `json:"tool_name,omitempty"`
	ToolInput   string    `json:"tool_input,omitempty"`
	PlanContent string    `json:"plan_content,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BudgetStatus reports current usage against the active schedule.
type BudgetStatus struct {
	UsagePercent       float64    `json:"usage_percent"`
	ResetTime          *time.Time `json:"reset_time,omitempty"`
	IsPaused           bool       `json:"is_paused"`
	CheckedAt          time.Time  `json:"checked_at"`
	IsNighttime        bool       `json:"is_nighttime"`
	CurrentThreshold   float64    `json:"current_threshold"`
	DayThreshold       float64    `json:"day_threshold"`
	NightThreshold     float64    `json:"night_threshold"`
	MinutesUntilChange int        `json:"minutes_until_change"`
}

// InterruptResponse reports the outcome of an interrupt request.
type InterruptResponse struct {
	SessionID   string `json:"session_id"`
	Interrupted bool   `json:"interrupted"`
}

// Package history stores execution records and recent per-session
// transcripts. Records are durable (SQLite); transcripts are an in-memory
// ring sized for "what just happened" queries from frontends.
package history

import (
	"context"
	"time"
)

// ExecutionRecord is the durable outcome of one prompt turn.
type ExecutionRecord struct {
	ID             string    `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"session_id"`
	ChannelID      string    `db:"channel_id" json:"channel_id,omitempty"`
	UserID         string    `db:"user_id" json:"user_id,omitempty"`
	Prompt         string    `db:"prompt" json:"prompt"`
	Output         string    `db:"output" json:"output"`
	Success        bool      `db:"success" json:"success"`
	Error          string    `db:"error" json:"error,omitempty"`
	AgentSessionID string    `db:"agent_session_id" json:"agent_session_id,omitempty"`
	CostUSD        float64   `db:"cost_usd" json:"cost_usd,omitempty"`
	DurationMS     int64     `db:"duration_ms" json:"duration_ms,omitempty"`
	WasCancelled   bool      `db:"was_cancelled" json:"was_cancelled,omitempty"`
	BudgetExceeded bool      `db:"budget_exceeded" json:"budget_exceeded,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Store defines execution record storage operations.
type Store interface {
	Record(ctx context.Context, rec *ExecutionRecord) error
	Get(ctx context.Context, id string) (*ExecutionRecord, error)
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*ExecutionRecord, error)
	ListRecent(ctx context.Context, limit int) ([]*ExecutionRecord, error)
	TotalCost(ctx context.Context, since time.Time) (float64, error)

	// Close closes the store (for database connections).
	Close() error
}

// Package agentproto defines the newline-delimited JSON protocol spoken
// between the session pool and an interactive agent worker process.
// The worker writes one Chunk per line on its PTY; the pool answers
// permission chunks with a ControlResponse line on the worker's stdin.
package agentproto

import (
	"encoding/json"
	"time"
)

// Chunk output types emitted by a worker.
const (
	// ChunkTypeAssistant carries assistant text.
	ChunkTypeAssistant = "assistant"
	// ChunkTypeToolUse reports a tool invocation.
	ChunkTypeToolUse = "tool_use"
	// ChunkTypePermission signals the worker is blocked awaiting a
	// human decision about a tool invocation.
	ChunkTypePermission = "permission"
	// ChunkTypeResult is the final chunk of a turn.
	ChunkTypeResult = "result"
)

// Control response line written back to the worker.
const (
	// ControlTypeResponse answers a permission chunk.
	ControlTypeResponse = "control_response"
)

// Chunk is one unit of streamed output from a worker.
// The Type field determines which other fields are populated.
// Exactly one chunk per turn has IsFinal set, and it is the last
// chunk delivered for that turn.
type Chunk struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`

	// For tool_use and permission chunks
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`

	// For result chunks
	IsFinal     bool    `json:"is_final,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	CostUSD     float64 `json:"cost_usd,omitempty"`
	DurationMS  int64   `json:"duration_ms,omitempty"`
	IsError     bool    `json:"is_error,omitempty"`
	Plan        string  `json:"plan,omitempty"`
	ResumeToken string  `json:"resume_token,omitempty"`
}

// ParseChunk decodes a single protocol line. Lines that are not valid
// JSON objects (terminal noise, echoes, ANSI fragments) yield ok=false.
func ParseChunk(line []byte) (Chunk, bool) {
	var c Chunk
	if err := json.Unmarshal(line, &c); err != nil {
		return Chunk{}, false
	}
	switch c.Type {
	case ChunkTypeAssistant, ChunkTypeToolUse, ChunkTypePermission, ChunkTypeResult:
		return c, true
	default:
		return Chunk{}, false
	}
}

// ControlResponse is the pool's answer to a permission chunk.
type ControlResponse struct {
	Type     string `json:"type"`
	Approved bool   `json:"approved"`
}

// EncodeControlResponse renders a control response as one protocol line
// (trailing newline included) ready to be written to the worker.
func EncodeControlResponse(approved bool) []byte {
	b, _ := json.Marshal(ControlResponse{Type: ControlTypeResponse, Approved: approved})
	return append(b, '\n')
}

// ExecutionResult is the structured outcome of one turn, returned by
// the executor to its caller.
type ExecutionResult struct {
	Success   bool   `json:"success"`
	Output    string `json:"output"`
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error,omitempty"`

	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`

	WasCancelled         bool `json:"was_cancelled,omitempty"`
	WasPermissionRequest bool `json:"was_permission_request,omitempty"`
	BudgetExceeded       bool `json:"budget_exceeded,omitempty"`
}

// SessionInfo describes one live session for status endpoints.
type SessionInfo struct {
	SessionID        string    `json:"session_id"`
	State            string    `json:"state"`
	WorkingDirectory string    `json:"working_directory"`
	Profile          string    `json:"profile"`
	PID              int       `json:"pid,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivity     time.Time `json:"last_activity"`
	IdleSeconds      float64   `json:"idle_seconds"`
}

// Package memory defines the conversation memory boundary: short-lived
// per-session turn history and the append-only audit trail.
package memory

import (
	"context"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

type ConversationTurn struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// SessionStore holds recent turns per session. Append writes the user and
// assistant messages together and refreshes the expiry of the whole session.
type SessionStore interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]ConversationTurn, error)
	Append(ctx context.Context, sessionID, userMessage, assistantMessage string) error
}

type ActionType string

const (
	ActionToolAttempt  ActionType = "tool_attempt"
	ActionToolSuccess  ActionType = "tool_success"
	ActionToolFailure  ActionType = "tool_failure"
	ActionDirectAnswer ActionType = "direct_answer"
	ActionTurnFailure  ActionType = "turn_failure"
)

type AuditRecord struct {
	ID            int64      `json:"id"`
	UserID        string     `json:"user_id"`
	SessionID     string     `json:"session_id"`
	ActionType    ActionType `json:"action_type"`
	UserQuery     string     `json:"user_query"`
	QuerySpec     string     `json:"query_spec,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	FinalResponse string     `json:"final_response,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// AuditLog appends records. Callers treat failures as log-only.
type AuditLog interface {
	Log(ctx context.Context, record AuditRecord) error
}

type NopAuditLog struct{}

func (NopAuditLog) Log(context.Context, AuditRecord) error { return nil }

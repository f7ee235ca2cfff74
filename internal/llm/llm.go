package llm

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type Request struct {
	Messages []Message
	Tools    []Tool
}

type Response struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

// FirstToolCall returns the only tool invocation the orchestrator honors.
func (r Response) FirstToolCall() (ToolCall, bool) {
	if len(r.ToolCalls) == 0 {
		return ToolCall{}, false
	}
	return r.ToolCalls[0], true
}

// Client is a chat-completion model. Stream delivers content deltas to
// onDelta as they arrive; an error from onDelta stops the stream and is
// returned along with what was accumulated so far.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) (Response, error)
}

package models

import (
	"encoding/json"
	"time"
)

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. Its content grows append-only
	// while a stream is open and is never rewritten once started.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a system message. System messages are excluded from
	// exchange counting.
	RoleSystem Role = "system"
)

// Message represents an individual communication entry within a chat session. The
// content of an assistant message is mutated only by the orchestrator while its
// stream is open, and only by appending.
type Message struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ToolCall is a single tool invocation requested by the model. Arguments arrive
// whole, never incrementally.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultStatus indicates whether a tool call succeeded.
type ToolResultStatus string

const (
	ToolResultSuccess ToolResultStatus = "success"
	ToolResultError   ToolResultStatus = "error"
)

// ToolResult carries the outcome of a tool call back into the stream.
type ToolResult struct {
	ID     string           `json:"id"`
	Result json.RawMessage  `json:"result"`
	Status ToolResultStatus `json:"status"`
}

// MessageQuery bounds a per-session message listing. Results are returned
// newest-first; Limit of zero means no limit.
type MessageQuery struct {
	Limit         int
	Offset        int
	IncludeSystem bool
}

// Package domain defines the core domain models for the agent daemon.
package domain

import (
	"encoding/json"
	"time"
)

// Session represents a conversation keyed by a client-chosen session key.
// It is mutated only by appending messages at turn boundaries.
type Session struct {
	Key       string          `json:"session_key"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Messages  []Message       `json:"messages,omitempty"`
}

// AddMessage appends a message to the session history and bumps UpdatedAt.
func (s *Session) AddMessage(role, content string) {
	now := time.Now().UTC()
	s.Messages = append(s.Messages, Message{
		SessionKey: s.Key,
		Role:       role,
		Content:    content,
		CreatedAt:  now,
	})
	s.UpdatedAt = now
}

// Message represents a single message in a session.
type Message struct {
	MessageID  string          `json:"message_id,omitempty"`
	SessionKey string          `json:"session_key"`
	RunID      string          `json:"run_id,omitempty"`
	Role       string          `json:"role"` // user, assistant, tool
	Content    string          `json:"content"`
	CreatedAt  time.Time       `json:"created_at"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// ToolCallRequest is a model-issued request to invoke a named tool.
// The ID is provider-assigned and must be echoed back unmodified so the
// backend can correlate results to requests.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Usage holds token usage counters for one backend call. Figures are
// cumulative per call, so a newer Usage replaces an older one.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the normalized result of one model-backend call.
// AssistantMessage carries the provider-native assistant payload verbatim;
// this core never parses its internals.
type CompletionResponse struct {
	Content          string            `json:"content"`
	ToolCalls        []ToolCallRequest `json:"tool_calls,omitempty"`
	FinishReason     string            `json:"finish_reason,omitempty"`
	Usage            *Usage            `json:"usage,omitempty"`
	AssistantMessage json.RawMessage   `json:"assistant_message,omitempty"`
}

// HasToolCalls reports whether the response requests any tool invocations.
func (r *CompletionResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

package domain

import "encoding/json"

// RunEventType discriminates lifecycle events emitted while driving a turn.
type RunEventType string

const (
	EventChatAck        RunEventType = "chat.ack"
	EventChatDelta      RunEventType = "chat.delta"
	EventToolStart      RunEventType = "tool.start"
	EventToolEnd        RunEventType = "tool.end"
	EventChatFinal      RunEventType = "chat.final"
	EventSessionUpdated RunEventType = "session.updated"
	EventAgentError     RunEventType = "agent.error"
	EventPong           RunEventType = "pong"
)

// RunEvent is one lifecycle event delivered to clients. Fields are
// populated per event type; unset fields are omitted on the wire.
type RunEvent struct {
	Type          RunEventType    `json:"type"`
	RunID         string          `json:"run_id,omitempty"`
	SessionKey    string          `json:"session_key,omitempty"`
	TextDelta     string          `json:"text_delta,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
	ResultPreview string          `json:"result_preview,omitempty"`
	OK            *bool           `json:"ok,omitempty"`
	FullText      string          `json:"full_text,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	UpdatedAt     string          `json:"updated_at,omitempty"`
	Message       string          `json:"message,omitempty"`
}

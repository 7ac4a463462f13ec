// Package provider abstracts the LLM backend used to drive turns.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/embercore/ember/internal/domain"
)

// StreamEventType discriminates events observed while streaming.
type StreamEventType string

const (
	// StreamDelta carries one incremental text fragment.
	StreamDelta StreamEventType = "delta"
	// StreamDone carries the final normalized response; it is authoritative.
	StreamDone StreamEventType = "done"
	// StreamError carries a failure message; the stream ends after it.
	StreamError StreamEventType = "error"
)

// StreamEvent is one event in an incremental backend response.
type StreamEvent struct {
	Type     StreamEventType
	Text     string
	Response *domain.CompletionResponse
	Message  string
}

// StreamHandler is called for each stream event. Returning an error stops
// the stream.
type StreamHandler func(event StreamEvent) error

// Tool describes a tool schema sent to the backend.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function half of a tool schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatRequest is one backend call. Messages are provider-wire message
// objects kept as raw JSON so provider-native payloads round-trip verbatim.
type ChatRequest struct {
	Model    string
	Messages []json.RawMessage
	Tools    []Tool
}

// Model is one entry from the backend model list.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Provider defines the LLM backend operations the turn driver depends on.
type Provider interface {
	// Chat sends a non-streaming completion request.
	Chat(ctx context.Context, req *ChatRequest) (*domain.CompletionResponse, error)

	// ChatStream sends a streaming completion request. The handler receives
	// delta events as fragments arrive and exactly one done or error event
	// before the call returns, unless the handler stops the stream first.
	ChatStream(ctx context.Context, req *ChatRequest, handler StreamHandler) error

	// ListModels retrieves the list of available models.
	ListModels(ctx context.Context) ([]Model, error)
}

// wireMessage is the typed provider-wire message shape used when the core
// constructs messages itself.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// SystemMessage builds a provider-wire system message.
func SystemMessage(content string) json.RawMessage {
	return mustMarshal(wireMessage{Role: "system", Content: content})
}

// UserMessage builds a provider-wire user message.
func UserMessage(content string) json.RawMessage {
	return mustMarshal(wireMessage{Role: "user", Content: content})
}

// AssistantMessage builds a provider-wire assistant message. When raw is
// non-nil it is used verbatim so provider-native reasoning metadata
// survives the round trip; otherwise the message is constructed from the
// content and tool-call echoes.
func AssistantMessage(content string, toolCalls []domain.ToolCallRequest, raw json.RawMessage) json.RawMessage {
	if len(raw) > 0 {
		return raw
	}
	msg := wireMessage{Role: "assistant", Content: content}
	for _, tc := range toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, wireToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: wireToolFunction{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return mustMarshal(msg)
}

// ToolResultMessage builds a provider-wire tool-result message referencing
// the originating call id.
func ToolResultMessage(callID, result string) json.RawMessage {
	return mustMarshal(wireMessage{Role: "tool", Content: result, ToolCallID: callID})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal wire message: %v", err))
	}
	return data
}

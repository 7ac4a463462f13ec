package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// NewBuiltinRegistry creates a registry with the built-in tool set.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(NewMessageTool())
	r.MustRegister(NewFuncTool(
		"time.now",
		"Returns the current time in RFC 3339 format.",
		json.RawMessage(`{"type":"object","properties":{}}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return time.Now().UTC().Format(time.RFC3339), nil
		},
	))
	r.MustRegister(NewFuncTool(
		"weather.query",
		"Queries current weather for a city.",
		json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			var params struct {
				City string `json:"city"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if params.City == "" {
				return "", fmt.Errorf("city is required")
			}
			return fmt.Sprintf(`{"city":%q,"weather":"Sunny","temperature":25}`, params.City), nil
		},
	))
	r.MustRegister(NewFuncTool(
		"dangerous.command",
		"Runs an arbitrary command on the host.",
		json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}}}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", fmt.Errorf("tool execution disabled")
		},
	))
	return r
}

// MessageTool sends a message to the chat the current turn belongs to. It
// is context aware: the runner assigns the channel and chat id per turn.
type MessageTool struct {
	mu      sync.Mutex
	channel string
	chatID  string
}

// NewMessageTool creates a message tool with no context assigned.
func NewMessageTool() *MessageTool {
	return &MessageTool{}
}

var _ ContextAware = (*MessageTool)(nil)

func (t *MessageTool) Name() string { return "message" }

func (t *MessageTool) Description() string {
	return "Sends a message to the current chat."
}

func (t *MessageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}

// SetContext assigns the channel and chat id for subsequent executions.
func (t *MessageTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

func (t *MessageTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", fmt.Errorf("invalid arguments: %w", err)
	}
	if params.Text == "" {
		return "", fmt.Errorf("text is required")
	}
	t.mu.Lock()
	channel, chatID := t.channel, t.chatID
	t.mu.Unlock()
	if channel == "" || chatID == "" {
		return "", fmt.Errorf("no chat context assigned")
	}
	return fmt.Sprintf("Message delivered to %s/%s", channel, chatID), nil
}

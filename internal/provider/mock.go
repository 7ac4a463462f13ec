package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/embercore/ember/internal/domain"
)

// MockProvider is an offline Provider implementation for local runs and
// tests.
type MockProvider struct{}

// NewMockProvider creates a new mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Ensure MockProvider implements Provider.
var _ Provider = (*MockProvider)(nil)

// Chat returns a canned response echoing the last user message.
func (m *MockProvider) Chat(ctx context.Context, req *ChatRequest) (*domain.CompletionResponse, error) {
	content := m.generateResponse(req)
	return &domain.CompletionResponse{
		Content:          content,
		FinishReason:     "stop",
		Usage:            m.estimateUsage(req, content),
		AssistantMessage: mustMarshal(wireMessage{Role: "assistant", Content: content}),
	}, nil
}

// ChatStream simulates streaming by emitting the canned response in small
// fragments followed by a done event.
func (m *MockProvider) ChatStream(ctx context.Context, req *ChatRequest, handler StreamHandler) error {
	content := m.generateResponse(req)
	for _, chunk := range splitIntoChunks(content, 10) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := handler(StreamEvent{Type: StreamDelta, Text: chunk}); err != nil {
			return err
		}
	}
	return handler(StreamEvent{Type: StreamDone, Response: &domain.CompletionResponse{
		Content:          content,
		FinishReason:     "stop",
		Usage:            m.estimateUsage(req, content),
		AssistantMessage: mustMarshal(wireMessage{Role: "assistant", Content: content}),
	}})
}

// ListModels returns a list of mock models.
func (m *MockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{
		{ID: "mock-chat", Object: "model", Created: time.Now().Unix(), OwnedBy: "mock"},
	}, nil
}

func (m *MockProvider) generateResponse(req *ChatRequest) string {
	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		var msg wireMessage
		if err := json.Unmarshal(req.Messages[i], &msg); err != nil {
			continue
		}
		if msg.Role == "user" {
			lastUser = msg.Content
			break
		}
	}
	if lastUser == "" {
		return "[MOCK] This is a mock response."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q.", truncate(lastUser, 100))
}

func (m *MockProvider) estimateUsage(req *ChatRequest, content string) *domain.Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg) / 4
	}
	completion := len(content) / 4
	return &domain.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

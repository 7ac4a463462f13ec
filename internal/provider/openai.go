package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/embercore/ember/internal/domain"
)

// OpenAIClient talks to an OpenAI-compatible chat completion API.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Ensure OpenAIClient implements Provider.
var _ Provider = (*OpenAIClient)(nil)

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(baseURL, apiKey string, timeout time.Duration) *OpenAIClient {
	return &OpenAIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatCompletionBody struct {
	Model         string            `json:"model"`
	Messages      []json.RawMessage `json:"messages"`
	Stream        bool              `json:"stream,omitempty"`
	StreamOptions *streamOptions    `json:"stream_options,omitempty"`
	Tools         []Tool            `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []wireChoice  `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

// wireChoice keeps the assistant message as raw JSON so the provider-native
// payload can be preserved verbatim alongside the typed parse.
type wireChoice struct {
	Index        int             `json:"index"`
	Message      json.RawMessage `json:"message,omitempty"`
	Delta        *deltaMessage   `json:"delta,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

type assistantMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type deltaMessage struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []deltaToolCall `json:"tool_calls,omitempty"`
}

type deltaToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Function wireToolFunction `json:"function"`
}

type streamChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []wireChoice  `json:"choices"`
	Usage   *domain.Usage `json:"usage,omitempty"`
}

type errorResponse struct {
	Error *apiError `json:"error"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// Chat sends a non-streaming completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*domain.CompletionResponse, error) {
	body, err := json.Marshal(chatCompletionBody{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiErrorFrom(resp.StatusCode, respBody)
	}

	var result chatCompletionResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, fmt.Errorf("response contains no choices")
	}

	choice := result.Choices[0]
	var msg assistantMessage
	if len(choice.Message) > 0 {
		if err := json.Unmarshal(choice.Message, &msg); err != nil {
			return nil, fmt.Errorf("failed to parse assistant message: %w", err)
		}
	}

	out := &domain.CompletionResponse{
		Content:          msg.Content,
		FinishReason:     choice.FinishReason,
		Usage:            result.Usage,
		AssistantMessage: choice.Message,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, domain.ToolCallRequest{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: argumentsJSON(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream sends a streaming completion request and normalizes the SSE
// chunks into delta events followed by one done event. Transport failures
// surface as an error event and as the returned error.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *ChatRequest, handler StreamHandler) error {
	body, err := json.Marshal(chatCompletionBody{
		Model:         req.Model,
		Messages:      req.Messages,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
		Tools:         req.Tools,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		err = fmt.Errorf("failed to send request: %w", err)
		handler(StreamEvent{Type: StreamError, Message: err.Error()})
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := apiErrorFrom(resp.StatusCode, respBody)
		handler(StreamEvent{Type: StreamError, Message: err.Error()})
		return err
	}

	acc := newStreamAccumulator()
	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			handler(StreamEvent{Type: StreamError, Message: ctx.Err().Error()})
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			err = fmt.Errorf("failed to read stream: %w", err)
			handler(StreamEvent{Type: StreamError, Message: err.Error()})
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks
			continue
		}

		for _, text := range acc.consume(&chunk) {
			if err := handler(StreamEvent{Type: StreamDelta, Text: text}); err != nil {
				return err
			}
		}
	}

	return handler(StreamEvent{Type: StreamDone, Response: acc.response()})
}

// ListModels retrieves the list of available models.
func (c *OpenAIClient) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("LLM API error [%d]: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Data, nil
}

func (c *OpenAIClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func apiErrorFrom(status int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		return fmt.Errorf("LLM API error [%d]: %s (type: %s)", status, errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("LLM API error [%d]: %s", status, string(body))
}

// streamAccumulator rebuilds a CompletionResponse from streamed chunks:
// text fragments, tool-call fragments keyed by index, finish reason and
// cumulative usage.
type streamAccumulator struct {
	textParts    []string
	finishReason string
	usage        *domain.Usage
	toolCalls    map[int]*toolCallState
}

type toolCallState struct {
	id   string
	name string
	args []string
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{
		finishReason: "stop",
		toolCalls:    make(map[int]*toolCallState),
	}
}

// consume folds one chunk into the accumulator and returns any text
// fragments to surface, in order.
func (a *streamAccumulator) consume(chunk *streamChunk) []string {
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.FinishReason != "" {
		a.finishReason = choice.FinishReason
	}
	if choice.Delta == nil {
		return nil
	}

	var out []string
	if choice.Delta.Content != "" {
		a.textParts = append(a.textParts, choice.Delta.Content)
		out = append(out, choice.Delta.Content)
	}
	for _, entry := range choice.Delta.ToolCalls {
		state := a.toolCalls[entry.Index]
		if state == nil {
			state = &toolCallState{}
			a.toolCalls[entry.Index] = state
		}
		if entry.ID != "" {
			state.id = entry.ID
		}
		if entry.Function.Name != "" {
			state.name = entry.Function.Name
		}
		if entry.Function.Arguments != "" {
			state.args = append(state.args, entry.Function.Arguments)
		}
	}
	return out
}

func (a *streamAccumulator) response() *domain.CompletionResponse {
	fullText := strings.Join(a.textParts, "")
	resp := &domain.CompletionResponse{
		Content:      fullText,
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}

	// The synthesized assistant payload must declare the accumulated tool
	// calls: tool-result messages reference these ids on the next request.
	payload := wireMessage{Role: "assistant", Content: fullText}

	indexes := make([]int, 0, len(a.toolCalls))
	for idx := range a.toolCalls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		state := a.toolCalls[idx]
		id := state.id
		if id == "" {
			id = fmt.Sprintf("tool_%d", idx)
		}
		name := state.name
		if name == "" {
			name = "unknown"
		}
		arguments := argumentsJSON(strings.Join(state.args, ""))
		resp.ToolCalls = append(resp.ToolCalls, domain.ToolCallRequest{
			ID:        id,
			Name:      name,
			Arguments: arguments,
		})
		payload.ToolCalls = append(payload.ToolCalls, wireToolCall{
			ID:   id,
			Type: "function",
			Function: wireToolFunction{
				Name:      name,
				Arguments: string(arguments),
			},
		})
	}
	resp.AssistantMessage = mustMarshal(payload)
	return resp
}

// argumentsJSON converts the provider's argument string into an argument
// mapping, keeping unparseable input under a "raw" key.
func argumentsJSON(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	wrapped, _ := json.Marshal(map[string]string{"raw": raw})
	return wrapped
}

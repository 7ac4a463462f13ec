package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/embercore/ember/internal/config"
	"github.com/embercore/ember/internal/domain"
	"github.com/embercore/ember/internal/provider"
	"github.com/embercore/ember/internal/store"
	"github.com/embercore/ember/internal/tools"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestTools(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	reg.MustRegister(tools.NewFuncTool("echo", "Echoes its input.", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return "echo:" + string(args), nil
		}))
	reg.MustRegister(tools.NewFuncTool("lookup", "Always fails.", json.RawMessage(`{"type":"object"}`),
		func(ctx context.Context, args json.RawMessage) (string, error) {
			return "", &valueError{"boom"}
		}))
	return reg
}

type valueError struct{ msg string }

func (e *valueError) Error() string { return e.msg }

type eventRecorder struct {
	events []domain.RunEvent
	onEmit func(domain.RunEvent)
}

func (r *eventRecorder) emit(event domain.RunEvent) {
	r.events = append(r.events, event)
	if r.onEmit != nil {
		r.onEmit(event)
	}
}

func (r *eventRecorder) types() []string {
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, string(ev.Type))
	}
	return out
}

func newTestRunner(t *testing.T, p provider.Provider, maxIterations int) (*Runner, *store.SQLiteStore, *Registry) {
	t.Helper()
	db := newTestStore(t)
	runs := NewRegistry()
	cfg := &config.Config{LLMModel: "test-model", MaxIterations: maxIterations}
	return NewRunner(cfg, p, newTestTools(t), db, nil, runs), db, runs
}

func TestRunStreamsAndPersists(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{{
		events: []provider.StreamEvent{
			{Type: provider.StreamDelta, Text: "He"},
			{Type: provider.StreamDelta, Text: "llo"},
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				Content: "Hello",
				Usage:   &domain.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
			}},
		},
	}}}
	runner, db, runs := newTestRunner(t, p, 10)
	rec := &eventRecorder{}

	runs.Register("r1")
	err := runner.Run(context.Background(), RunRequest{
		RunID: "r1", SessionKey: "s1", Content: "hi", Channel: "cli", ChatID: "web",
	}, rec.emit)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"chat.delta", "chat.delta", "chat.final", "session.updated"}
	if strings.Join(rec.types(), ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event order: %v", rec.types())
	}
	if rec.events[0].TextDelta != "He" || rec.events[1].TextDelta != "llo" {
		t.Fatalf("unexpected deltas: %+v", rec.events[:2])
	}
	final := rec.events[2]
	if final.FullText != "Hello" || final.SessionKey != "s1" || final.Usage == nil || final.Usage.TotalTokens != 5 {
		t.Fatalf("unexpected final event: %+v", final)
	}
	if rec.events[3].UpdatedAt == "" {
		t.Fatalf("session.updated missing timestamp")
	}

	session, err := db.GetSession(context.Background(), "s1")
	if err != nil || session == nil {
		t.Fatalf("expected persisted session, got %v (%v)", session, err)
	}
	if len(session.Messages) != 2 || session.Messages[0].Role != "user" || session.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected history: %+v", session.Messages)
	}
	if session.Messages[1].Content != "Hello" {
		t.Fatalf("unexpected assistant content: %q", session.Messages[1].Content)
	}
	if runs.Active() != 0 {
		t.Fatalf("run not released")
	}
}

func TestRunFinalFallsBackToDeltas(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{{
		events: []provider.StreamEvent{
			{Type: provider.StreamDelta, Text: "He"},
			{Type: provider.StreamDelta, Text: "llo"},
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{Content: ""}},
		},
	}}}
	runner, _, _ := newTestRunner(t, p, 10)
	rec := &eventRecorder{}

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	final := rec.events[len(rec.events)-2]
	if final.Type != domain.EventChatFinal || final.FullText != "Hello" {
		t.Fatalf("expected joined deltas as final content, got %+v", final)
	}
}

func TestRunToolCallsSequential(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{
		{events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				ToolCalls: []domain.ToolCallRequest{
					{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)},
					{ID: "call_2", Name: "lookup", Arguments: json.RawMessage(`{}`)},
				},
			}},
		}},
		{events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{Content: "done"}},
		}},
	}}
	runner, _, _ := newTestRunner(t, p, 10)
	rec := &eventRecorder{}

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "go"}, rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"tool.start", "tool.end", "tool.start", "tool.end", "chat.final", "session.updated"}
	if strings.Join(rec.types(), ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event order: %v", rec.types())
	}
	if rec.events[0].ToolName != "echo" || rec.events[2].ToolName != "lookup" {
		t.Fatalf("tools executed out of order: %+v", rec.events)
	}
	if rec.events[1].OK == nil || !*rec.events[1].OK {
		t.Fatalf("echo should succeed: %+v", rec.events[1])
	}
	if rec.events[3].OK == nil || *rec.events[3].OK {
		t.Fatalf("lookup should fail: %+v", rec.events[3])
	}
	if rec.events[3].ResultPreview != "Tool execution failed: boom" {
		t.Fatalf("unexpected failure preview: %q", rec.events[3].ResultPreview)
	}

	// The second backend call carries the assistant tool-call echo and both
	// tool results referencing the provider-assigned ids.
	if len(p.requests) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(p.requests))
	}
	second := p.requests[1].Messages
	joined := make([]string, 0, len(second))
	for _, m := range second {
		joined = append(joined, string(m))
	}
	all := strings.Join(joined, "\n")
	if !strings.Contains(all, `"tool_call_id":"call_1"`) || !strings.Contains(all, `"tool_call_id":"call_2"`) {
		t.Fatalf("tool results missing call ids:\n%s", all)
	}
	if !strings.Contains(all, `"Tool execution failed: boom"`) {
		t.Fatalf("failed tool result not fed back:\n%s", all)
	}
}

func TestRunCancelledBeforeFirstCheckpoint(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{{
		events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{Content: "Hello"}},
		},
	}}}
	runner, db, runs := newTestRunner(t, p, 10)
	rec := &eventRecorder{}

	runs.Register("r1")
	runs.Cancel("r1")
	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(rec.events) != 1 || rec.events[0].Type != domain.EventAgentError || rec.events[0].Message != "Run cancelled" {
		t.Fatalf("unexpected events: %+v", rec.events)
	}
	session, err := db.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session != nil && len(session.Messages) != 0 {
		t.Fatalf("cancelled run must not persist messages: %+v", session.Messages)
	}
	if runs.Active() != 0 {
		t.Fatalf("run not released")
	}
}

func TestRunCancelledDuringToolLoop(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{{
		events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				ToolCalls: []domain.ToolCallRequest{
					{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{}`)},
					{ID: "call_2", Name: "echo", Arguments: json.RawMessage(`{}`)},
				},
			}},
		}},
	}}
	runner, db, runs := newTestRunner(t, p, 10)
	runs.Register("r1")
	rec := &eventRecorder{}
	rec.onEmit = func(ev domain.RunEvent) {
		if ev.Type == domain.EventToolStart {
			runs.Cancel("r1")
		}
	}

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"tool.start", "tool.end", "agent.error"}
	if strings.Join(rec.types(), ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event order: %v", rec.types())
	}
	session, _ := db.GetSession(context.Background(), "s1")
	if session != nil && len(session.Messages) != 0 {
		t.Fatalf("cancelled run must not persist messages")
	}
}

func TestRunIterationCapUsesPlaceholder(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{{
		events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				ToolCalls: []domain.ToolCallRequest{
					{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{}`)},
				},
			}},
		}},
	}}
	runner, _, _ := newTestRunner(t, p, 2)
	rec := &eventRecorder{}

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(p.requests) != 2 {
		t.Fatalf("expected iteration cap of 2 backend calls, got %d", len(p.requests))
	}
	final := rec.events[len(rec.events)-2]
	if final.Type != domain.EventChatFinal || final.FullText != defaultFinalContent {
		t.Fatalf("expected placeholder final content, got %+v", final)
	}
}

func TestRunUsageReplacedNotSummed(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{
		{events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				ToolCalls: []domain.ToolCallRequest{{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{}`)}},
				Usage:     &domain.Usage{TotalTokens: 10},
			}},
		}},
		{events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				Content: "done",
				Usage:   &domain.Usage{TotalTokens: 30},
			}},
		}},
	}}
	runner, _, _ := newTestRunner(t, p, 10)
	rec := &eventRecorder{}

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, rec.emit); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	final := rec.events[len(rec.events)-2]
	if final.Usage == nil || final.Usage.TotalTokens != 30 {
		t.Fatalf("usage must be replaced, not summed: %+v", final.Usage)
	}
}

func TestRunOpaquePayloadRoundTrips(t *testing.T) {
	raw := json.RawMessage(`{"role":"assistant","content":"x","reasoning":{"steps":["a","b"]}}`)
	p := &scriptedProvider{turns: []scriptedTurn{
		{events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{
				Content:          "x",
				ToolCalls:        []domain.ToolCallRequest{{ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{}`)}},
				AssistantMessage: raw,
			}},
		}},
		{events: []provider.StreamEvent{
			{Type: provider.StreamDone, Response: &domain.CompletionResponse{Content: "done"}},
		}},
	}}
	runner, _, _ := newTestRunner(t, p, 10)

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, func(domain.RunEvent) {}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	found := false
	for _, msg := range p.requests[1].Messages {
		if string(msg) == string(raw) {
			found = true
		}
	}
	if !found {
		t.Fatalf("provider-native payload not round-tripped verbatim: %v", p.requests[1].Messages)
	}
}

func TestRunStreamedToolCallDeclarationRoundTrips(t *testing.T) {
	var bodies [][]byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, body)
		w.Header().Set("Content-Type", "text/event-stream")
		if len(bodies) == 1 {
			_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"echo","arguments":"{}"}}]}}]}` + "\n\n"))
			_, _ = w.Write([]byte(`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}` + "\n\n"))
		} else {
			_, _ = w.Write([]byte(`data: {"choices":[{"delta":{"content":"done"}}]}` + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	client := provider.NewOpenAIClient(srv.URL, "", 5*time.Second)
	cfg := &config.Config{LLMModel: "m", MaxIterations: 5}
	runner := NewRunner(cfg, client, newTestTools(t), newTestStore(t), nil, NewRegistry())

	if err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, func(domain.RunEvent) {}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 backend calls, got %d", len(bodies))
	}

	// The follow-up request must carry an assistant message declaring the
	// tool call that its tool-result message references.
	var followUp struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(bodies[1], &followUp); err != nil {
		t.Fatalf("failed to parse request body: %v", err)
	}
	declared := false
	referenced := false
	for _, msg := range followUp.Messages {
		var parsed struct {
			Role       string `json:"role"`
			ToolCallID string `json:"tool_call_id"`
			ToolCalls  []struct {
				ID string `json:"id"`
			} `json:"tool_calls"`
		}
		if err := json.Unmarshal(msg, &parsed); err != nil {
			t.Fatalf("failed to parse message %s: %v", msg, err)
		}
		switch parsed.Role {
		case "assistant":
			for _, tc := range parsed.ToolCalls {
				if tc.ID == "call_1" {
					declared = true
				}
			}
		case "tool":
			if parsed.ToolCallID == "call_1" {
				referenced = true
			}
		}
	}
	if !referenced {
		t.Fatalf("tool result missing from follow-up request:\n%s", bodies[1])
	}
	if !declared {
		t.Fatalf("assistant message does not declare the referenced tool call:\n%s", bodies[1])
	}
}

func TestRunBackendFailurePropagates(t *testing.T) {
	p := &scriptedProvider{turns: []scriptedTurn{{
		events:  []provider.StreamEvent{{Type: provider.StreamError, Message: "down"}},
		chatErr: &valueError{"down"},
	}}}
	runner, db, runs := newTestRunner(t, p, 10)

	runs.Register("r1")
	err := runner.Run(context.Background(), RunRequest{RunID: "r1", SessionKey: "s1", Content: "hi"}, func(domain.RunEvent) {})
	if err == nil {
		t.Fatalf("expected error")
	}
	if runs.Active() != 0 {
		t.Fatalf("run not released after failure")
	}
	session, _ := db.GetSession(context.Background(), "s1")
	if session != nil && len(session.Messages) != 0 {
		t.Fatalf("failed run must not persist messages")
	}
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("x", 600)
	got := preview(long)
	if len(got) != 500 || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected preview: len=%d suffix=%q", len(got), got[len(got)-3:])
	}
	if preview("short") != "short" {
		t.Fatalf("short values must pass through")
	}
}

// Package agent drives streaming conversational turns.
package agent

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/embercore/ember/internal/config"
	"github.com/embercore/ember/internal/domain"
	"github.com/embercore/ember/internal/policy"
	"github.com/embercore/ember/internal/provider"
	"github.com/embercore/ember/internal/store"
	"github.com/embercore/ember/internal/tools"
)

const (
	cancelledMessage    = "Run cancelled"
	defaultFinalContent = "I've completed processing but have no response to give."
	previewMaxLen       = 500
)

// RunRequest describes one turn to drive.
type RunRequest struct {
	RunID      string
	SessionKey string
	Content    string
	Channel    string
	ChatID     string
}

// EmitFunc receives lifecycle events in the order they are produced.
type EmitFunc func(event domain.RunEvent)

// Runner drives one conversational turn to completion: it repeatedly asks
// the backend for a response, executes requested tools, and loops until the
// model produces plain text or the iteration cap is reached.
type Runner struct {
	provider      provider.Provider
	tools         *tools.Registry
	sessions      store.Store
	policy        *policy.Engine
	runs          *Registry
	model         string
	systemPrompt  string
	maxIterations int
}

// NewRunner creates a turn runner.
func NewRunner(cfg *config.Config, p provider.Provider, toolReg *tools.Registry, sessions store.Store, policyEngine *policy.Engine, runs *Registry) *Runner {
	return &Runner{
		provider:      p,
		tools:         toolReg,
		sessions:      sessions,
		policy:        policyEngine,
		runs:          runs,
		model:         cfg.LLMModel,
		systemPrompt:  cfg.SystemPrompt,
		maxIterations: cfg.MaxIterations,
	}
}

// Runs returns the run registry shared with the connection hub.
func (r *Runner) Runs() *Registry {
	return r.runs
}

// Run drives one turn. Events are emitted in order through emit; a
// returned error means the turn failed without a chat.final and should be
// reported to the owning client. The run is released from the registry on
// every exit path.
func (r *Runner) Run(ctx context.Context, req RunRequest, emit EmitFunc) error {
	defer r.runs.Release(req.RunID)

	session, err := r.sessions.GetOrCreate(ctx, req.SessionKey)
	if err != nil {
		return err
	}
	r.tools.SetContexts(req.Channel, req.ChatID)
	messages := r.buildMessages(session, req.Content)

	finalContent := ""
	var finalUsage *domain.Usage
	for i := 0; i < r.maxIterations; i++ {
		if r.runs.IsCancelled(req.RunID) {
			emit(domain.RunEvent{Type: domain.EventAgentError, RunID: req.RunID, Message: cancelledMessage})
			return nil
		}

		response, deltas, err := collect(ctx, r.provider, &provider.ChatRequest{
			Model:    r.model,
			Messages: messages,
			Tools:    r.tools.Definitions(),
		})
		if err != nil {
			return err
		}
		for _, delta := range deltas {
			emit(domain.RunEvent{Type: domain.EventChatDelta, RunID: req.RunID, TextDelta: delta})
		}
		if response.Usage != nil {
			// Usage figures are cumulative per call: replace, never sum.
			finalUsage = response.Usage
		}

		if response.HasToolCalls() {
			messages = append(messages, provider.AssistantMessage(response.Content, response.ToolCalls, response.AssistantMessage))
			for _, call := range response.ToolCalls {
				if r.runs.IsCancelled(req.RunID) {
					emit(domain.RunEvent{Type: domain.EventAgentError, RunID: req.RunID, Message: cancelledMessage})
					return nil
				}
				emit(domain.RunEvent{
					Type:     domain.EventToolStart,
					RunID:    req.RunID,
					ToolName: call.Name,
					Args:     call.Arguments,
				})
				result, ok := r.executeTool(ctx, req, call)
				emit(domain.RunEvent{
					Type:          domain.EventToolEnd,
					RunID:         req.RunID,
					ToolName:      call.Name,
					ResultPreview: preview(result),
					OK:            &ok,
				})
				messages = append(messages, provider.ToolResultMessage(call.ID, result))
			}
			continue
		}

		finalContent = response.Content
		if finalContent == "" {
			finalContent = strings.Join(deltas, "")
		}
		break
	}

	if finalContent == "" {
		finalContent = defaultFinalContent
	}

	session.AddMessage("user", req.Content)
	session.AddMessage("assistant", finalContent)
	if err := r.sessions.Save(ctx, session); err != nil {
		return err
	}
	updatedAt := session.UpdatedAt.Format(time.RFC3339Nano)

	emit(domain.RunEvent{
		Type:       domain.EventChatFinal,
		RunID:      req.RunID,
		FullText:   finalContent,
		Usage:      finalUsage,
		SessionKey: req.SessionKey,
	})
	emit(domain.RunEvent{
		Type:       domain.EventSessionUpdated,
		SessionKey: req.SessionKey,
		UpdatedAt:  updatedAt,
	})
	return nil
}

// executeTool runs one tool call behind the policy gate. Failures are
// contained: they surface as an unsuccessful result, never as an error
// that aborts the turn.
func (r *Runner) executeTool(ctx context.Context, req RunRequest, call domain.ToolCallRequest) (string, bool) {
	if r.policy != nil {
		decision, err := r.policy.Evaluate(ctx, policyInput(req, call))
		if err != nil {
			log.Printf("ERROR: policy evaluation failed for %s: %v", call.Name, err)
			return "Tool execution failed: " + err.Error(), false
		}
		if decision == "block" {
			return "Tool execution failed: blocked by policy", false
		}
	}
	result, err := r.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		return "Tool execution failed: " + err.Error(), false
	}
	return result, true
}

func policyInput(req RunRequest, call domain.ToolCallRequest) map[string]interface{} {
	args := map[string]interface{}{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			args = map[string]interface{}{}
		}
	}
	return map[string]interface{}{
		"tool_name":   call.Name,
		"args":        args,
		"session_key": req.SessionKey,
		"channel":     req.Channel,
	}
}

// buildMessages assembles the working message list: system prompt, the
// persisted history, then the current user message.
func (r *Runner) buildMessages(session *domain.Session, content string) []json.RawMessage {
	var messages []json.RawMessage
	if r.systemPrompt != "" {
		messages = append(messages, provider.SystemMessage(r.systemPrompt))
	}
	for _, msg := range session.Messages {
		switch msg.Role {
		case "user":
			messages = append(messages, provider.UserMessage(msg.Content))
		case "assistant":
			messages = append(messages, provider.AssistantMessage(msg.Content, nil, nil))
		}
	}
	messages = append(messages, provider.UserMessage(content))
	return messages
}

// preview builds a compact preview string for tool results.
func preview(value string) string {
	if len(value) <= previewMaxLen {
		return value
	}
	return value[:previewMaxLen-3] + "..."
}

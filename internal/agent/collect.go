package agent

import (
	"context"
	"errors"

	"github.com/embercore/ember/internal/domain"
	"github.com/embercore/ember/internal/provider"
)

// errStopStream stops stream consumption once a terminal event is seen.
var errStopStream = errors.New("stop stream")

// collect wraps one backend call: it consumes the incremental event
// sequence and normalizes it into one response plus the ordered text
// fragments observed. If the stream ends or errors before a done event,
// it falls back to a non-incremental call with the same request; a
// captured stream error is surfaced as synthesized content when the
// fallback returns none.
func collect(ctx context.Context, p provider.Provider, req *provider.ChatRequest) (*domain.CompletionResponse, []string, error) {
	var deltas []string
	var response *domain.CompletionResponse
	streamError := ""

	err := p.ChatStream(ctx, req, func(event provider.StreamEvent) error {
		switch event.Type {
		case provider.StreamDelta:
			if event.Text != "" {
				deltas = append(deltas, event.Text)
			}
		case provider.StreamDone:
			if event.Response != nil {
				response = event.Response
				return errStopStream
			}
		case provider.StreamError:
			streamError = event.Message
			if streamError == "" {
				streamError = "streaming failed"
			}
			return errStopStream
		}
		return nil
	})

	if response != nil {
		return response, deltas, nil
	}
	if err != nil && !errors.Is(err, errStopStream) && streamError == "" {
		streamError = err.Error()
	}

	fallback, err := p.Chat(ctx, req)
	if err != nil {
		return nil, deltas, err
	}
	if streamError != "" && fallback.Content == "" {
		fallback.Content = "Error calling LLM: " + streamError
	}
	return fallback, deltas, nil
}

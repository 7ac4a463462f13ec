package provider

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockProviderEchoesLastUserMessage(t *testing.T) {
	m := NewMockProvider()
	resp, err := m.Chat(context.Background(), &ChatRequest{
		Messages: []json.RawMessage{
			SystemMessage("be helpful"),
			UserMessage("first"),
			AssistantMessage("ok", nil, nil),
			UserMessage("second"),
		},
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, `"second"`)
	assert.NotNil(t, resp.Usage)
}

func TestMockProviderStreamMatchesChat(t *testing.T) {
	m := NewMockProvider()
	req := &ChatRequest{Messages: []json.RawMessage{UserMessage("hello there")}}

	var parts []string
	var done *StreamEvent
	err := m.ChatStream(context.Background(), req, func(ev StreamEvent) error {
		switch ev.Type {
		case StreamDelta:
			parts = append(parts, ev.Text)
		case StreamDone:
			done = &ev
		}
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.Equal(t, done.Response.Content, strings.Join(parts, ""))

	for _, part := range parts[:len(parts)-1] {
		assert.Len(t, part, 10)
	}
}

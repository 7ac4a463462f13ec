package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicyAllowsNormalTools(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "weather.query",
		"args":      map[string]interface{}{"city": "Oslo"},
	})
	require.NoError(t, err)
	assert.Equal(t, "allow", decision)
}

func TestDefaultPolicyBlocksDangerousCommand(t *testing.T) {
	ctx := context.Background()
	engine, err := NewEngine(ctx, DefaultPolicy)
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "dangerous.command",
		"args":      map[string]interface{}{"command": "rm -rf /"},
	})
	require.NoError(t, err)
	assert.Equal(t, "block", decision)
}

func TestCustomPolicyByChannel(t *testing.T) {
	const policy = `
package tool_policy

default decision := "allow"

decision := "block" if {
	input.tool_name == "message"
	input.channel == "readonly"
}
`
	ctx := context.Background()
	engine, err := NewEngine(ctx, policy)
	require.NoError(t, err)

	decision, err := engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "message",
		"channel":   "readonly",
	})
	require.NoError(t, err)
	assert.Equal(t, "block", decision)

	decision, err = engine.Evaluate(ctx, map[string]interface{}{
		"tool_name": "message",
		"channel":   "cli",
	})
	require.NoError(t, err)
	assert.Equal(t, "allow", decision)
}

func TestInvalidPolicyRejected(t *testing.T) {
	_, err := NewEngine(context.Background(), "package tool_policy\n\ndecision := {")
	assert.Error(t, err)
}

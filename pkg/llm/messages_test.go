package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMergesConsecutiveFunctionCalls(t *testing.T) {
	messages := []Message{
		User("look both up"),
		{Role: "assistant", FunctionCall: &FunctionCall{Name: "search", Arguments: `{"q":"a"}`}},
		{Role: "assistant", FunctionCall: &FunctionCall{Name: "fetch", Arguments: `{"url":"b"}`}},
		{Role: "function", Name: "search", Content: "result a"},
		{Role: "function", Name: "fetch", Content: "result b"},
	}

	out := NormalizeForAPI(messages)
	require.Len(t, out, 4)

	assistant := out[1]
	assert.Equal(t, "assistant", assistant.Role)
	assert.Nil(t, assistant.FunctionCall)
	require.Len(t, assistant.ToolCalls, 2)
	assert.Equal(t, "call_0", assistant.ToolCalls[0].ID)
	assert.Equal(t, "call_1", assistant.ToolCalls[1].ID)
	assert.Equal(t, "search", assistant.ToolCalls[0].Function.Name)

	assert.Equal(t, "tool", out[2].Role)
	assert.Equal(t, "call_0", out[2].ToolCallID)
	assert.Equal(t, "tool", out[3].Role)
	assert.Equal(t, "call_1", out[3].ToolCallID)
}

func TestNormalizeBackfillsByName(t *testing.T) {
	messages := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "id_a", Type: "function", Function: FunctionCall{Name: "alpha"}},
			{ID: "id_b", Type: "function", Function: FunctionCall{Name: "beta"}},
		}},
		{Role: "tool", Name: "beta", Content: "beta out"},
		{Role: "tool", Name: "alpha", Content: "alpha out"},
	}

	out := NormalizeForAPI(messages)
	require.Len(t, out, 3)
	assert.Equal(t, "id_b", out[1].ToolCallID)
	assert.Equal(t, "id_a", out[2].ToolCallID)
}

func TestNormalizePassthrough(t *testing.T) {
	messages := []Message{
		System("be terse"),
		User("hi"),
		{Role: "assistant", Content: "hello", ToolCalls: []ToolCall{
			{ID: "x", Type: "function", Function: FunctionCall{Name: "t", Arguments: "{}"}},
		}},
		ToolMsg("x", "done"),
		Assistant("final"),
	}
	assert.Equal(t, messages, NormalizeForAPI(messages))
}

func TestNormalizeUnmatchedToolMessage(t *testing.T) {
	out := NormalizeForAPI([]Message{{Role: "tool", Content: "orphan"}})
	require.Len(t, out, 1)
	assert.Equal(t, "tool", out[0].Role)
	assert.Empty(t, out[0].ToolCallID)
}

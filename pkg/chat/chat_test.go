package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRole(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected MessageRole
	}{
		{"user", MessageRoleUser},
		{"human", MessageRoleUser},
		{"Human", MessageRoleUser},
		{"ai", MessageRoleAssistant},
		{"assistant", MessageRoleAssistant},
		{"model", MessageRoleAssistant},
		{"system", MessageRoleSystem},
		{"developer", MessageRoleSystem},
		{"tool", MessageRoleTool},
		{"function", MessageRoleTool},
		{" Critic ", MessageRole("critic")},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, NormalizeRole(tt.input))
		})
	}
}

func TestNewToolCall(t *testing.T) {
	t.Parallel()

	tc := NewToolCall("call_1", "search", ` {"q":"cats"} `)
	assert.True(t, tc.HasParsedArguments())
	assert.JSONEq(t, `{"q":"cats"}`, string(tc.Arguments))

	empty := NewToolCall("", "", "")
	assert.Equal(t, "unknown", empty.Name)
	assert.Equal(t, `{}`, string(empty.Arguments))

	broken := NewToolCall("", "search", "{q: cats")
	assert.False(t, broken.HasParsedArguments())
	assert.Equal(t, "{q: cats", broken.RawArguments)
}

func TestMessageUnmarshal(t *testing.T) {
	t.Parallel()

	var msgs []Message
	err := json.Unmarshal([]byte(`[
		{"role": "system", "content": "Be brief."},
		{"type": "human", "content": [{"type": "text", "text": "Look"}, {"type": "image_url", "image_url": {"url": "https://x.io/a.png"}}]},
		{"role": "assistant", "content": null, "tool_calls": [
			{"id": "call_1", "type": "function", "function": {"name": "search", "arguments": "{\"q\":\"cats\"}"}},
			{"name": "clock", "arguments": {"tz": "UTC"}}
		]},
		{"role": "tool", "content": {"result": 42}}
	]`), &msgs)
	require.NoError(t, err)
	require.Len(t, msgs, 4)

	assert.Equal(t, MessageRoleSystem, msgs[0].Role)
	assert.Equal(t, "Be brief.", msgs[0].Content.TextValue())

	assert.Equal(t, MessageRoleUser, msgs[1].Role)
	require.Equal(t, ContentParts, msgs[1].Content.Kind())
	assert.Equal(t, []MessagePart{TextPart("Look"), ImagePart("https://x.io/a.png")}, msgs[1].Content.PartsValue())

	assert.Equal(t, MessageRoleAssistant, msgs[2].Role)
	assert.True(t, msgs[2].Content.IsEmpty())
	require.Len(t, msgs[2].ToolCalls, 2)
	assert.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, "search", msgs[2].ToolCalls[0].Name)
	assert.JSONEq(t, `{"q":"cats"}`, string(msgs[2].ToolCalls[0].Arguments))
	assert.Equal(t, "clock", msgs[2].ToolCalls[1].Name)
	assert.JSONEq(t, `{"tz":"UTC"}`, string(msgs[2].ToolCalls[1].Arguments))

	assert.Equal(t, ContentJSON, msgs[3].Content.Kind())
	assert.JSONEq(t, `{"result":42}`, string(msgs[3].Content.JSONValue()))
}

func TestToolCallMarshalKeepsRawArguments(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(NewToolCall("", "search", "{q: cats"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"search","arguments":"{q: cats"}`, string(b))

	b, err = json.Marshal(NewToolCall("call_1", "search", `{"q":"cats"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"call_1","name":"search","arguments":{"q":"cats"}}`, string(b))
}

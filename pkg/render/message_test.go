package render

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/chatlog/pkg/chat"
)

func TestMessagePlain(t *testing.T) {
	t.Parallel()

	f := Message(chat.Message{Role: chat.MessageRoleAssistant, Content: chat.Text("Hi")})
	assert.False(t, f.Degraded)
	assert.Equal(t, "<div class=\"message assistant\"><span class=\"content-text\">Hi</span></div>\n", f.String())
}

func TestMessageUserTools(t *testing.T) {
	t.Parallel()

	f := Message(chat.Message{
		Role:    chat.MessageRoleUser,
		Content: chat.Text("What time is it?"),
		Tools:   json.RawMessage(`[{"name":"clock"}]`),
	})
	out := f.String()
	assert.Contains(t, out, `class="tools-icon"`)
	assert.Contains(t, out, `<div class="tools-data" data-tools="`)
	assert.Contains(t, out, "&#34;name&#34;: &#34;clock&#34;")
	assert.Less(t, strings.Index(out, "What time is it?"), strings.Index(out, "tools-icon"))
}

func TestMessageToolsIgnoredForAssistant(t *testing.T) {
	t.Parallel()

	f := Message(chat.Message{
		Role:    chat.MessageRoleAssistant,
		Content: chat.Text("It is noon."),
		Tools:   json.RawMessage(`[{"name":"clock"}]`),
	})
	assert.NotContains(t, f.String(), "tools-icon")
	assert.NotContains(t, f.String(), "tools-data")
}

func TestMessageToolCalls(t *testing.T) {
	t.Parallel()

	f := Message(chat.Message{
		Role: chat.MessageRoleAssistant,
		ToolCalls: []chat.ToolCall{
			chat.NewToolCall("call_1", "search", `{"q":"cats"}`),
			chat.NewToolCall("call_2", "clock", ""),
		},
	})
	out := f.String()
	assert.False(t, f.Degraded)
	assert.Contains(t, out, `<div class="tool-call-title">Tool | search</div>`)
	assert.Contains(t, out, `<div class="tool-call-title">Tool | clock</div>`)
	assert.Contains(t, out, "<pre><code class=\"language-json\">{\n  &#34;q&#34;: &#34;cats&#34;\n}</code></pre>")
	assert.Contains(t, out, `<pre><code class="language-json">{}</code></pre>`)
	assert.Less(t, strings.Index(out, "search"), strings.Index(out, "clock"))
}

func TestToolCallsInvalidArguments(t *testing.T) {
	t.Parallel()

	f := ToolCalls([]chat.ToolCall{
		chat.NewToolCall("", "broken", "{q: cats"),
		chat.NewToolCall("", "fine", `{"ok":true}`),
	})
	assert.True(t, f.Degraded)
	require.Error(t, f.Err)
	assert.Contains(t, f.String(), `<pre><code class="language-plaintext">{q: cats</code></pre>`)
	assert.Contains(t, f.String(), "Tool | fine")
}

func TestMessageDegradedToolCallsPropagate(t *testing.T) {
	t.Parallel()

	f := Message(chat.Message{
		Role:      chat.MessageRoleAssistant,
		Content:   chat.Text("calling"),
		ToolCalls: []chat.ToolCall{chat.NewToolCall("", "broken", "nope")},
	})
	assert.True(t, f.Degraded)
	assert.Contains(t, f.String(), "calling")
}

func TestMessageEscapesToolName(t *testing.T) {
	t.Parallel()

	f := ToolCalls([]chat.ToolCall{chat.NewToolCall("", "<b>x</b>", "{}")})
	assert.Contains(t, f.String(), "Tool | &lt;b&gt;x&lt;/b&gt;")
}

func TestDivider(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"<div class=\"conversation-divider\"><span class=\"conversation-divider-label\">Step 2</span></div>\n",
		Divider("Step 2").String())
	assert.Contains(t, Divider("<b>").String(), "&lt;b&gt;")
}

package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"

	"github.com/docker/chatlog/pkg/chat"
)

// SVG icons used in the templates.
const (
	svgToolCall = `<svg class="tool-call-icon" viewBox="0 0 24 24" fill="none" stroke="currentColor" stroke-width="2"><path stroke-linecap="round" stroke-linejoin="round" d="M11.42 15.17L17.25 21A2.652 2.652 0 0021 17.25l-5.877-5.877M11.42 15.17l2.496-3.03c.317-.384.74-.626 1.208-.766M11.42 15.17l-4.655 5.653a2.548 2.548 0 11-3.586-3.586l6.837-5.63m5.108-.233c.55-.164 1.163-.188 1.743-.14a4.5 4.5 0 004.486-6.336l-3.276 3.277a3.004 3.004 0 01-2.25-2.25l3.276-3.276a4.5 4.5 0 00-6.336 4.486c.091 1.076-.071 2.264-.904 2.95l-.102.085m-1.745 1.437L5.909 7.5H4.5L2.25 3.75l1.5-1.5L7.5 4.5v1.409l4.26 4.26m-1.745 1.437l1.745-1.437m6.615 8.206L15.75 15.75M4.867 19.125h.008v.008h-.008v-.008z"/></svg>`
	svgToolsList = `<svg class="tools-icon" viewBox="0 0 24 24" fill="none" stroke="currentColor" stroke-width="2" aria-label="Available tools"><path stroke-linecap="round" stroke-linejoin="round" d="M4 6h16M4 12h16M4 18h7"/><path stroke-linecap="round" stroke-linejoin="round" d="M14 16l3 3 3-3m0 0v-8"/></svg>`
)

// messageViewData holds data for rendering a single message.
type messageViewData struct {
	Role          string
	ContentHTML   template.HTML
	HasTools      bool
	ToolsIcon     template.HTML
	ToolsJSON     string
	ToolCallsHTML template.HTML
}

// toolCallViewData holds data for rendering a tool call.
type toolCallViewData struct {
	Name      string
	Icon      template.HTML
	Arguments string
	Language  string
}

var messageTemplate = template.Must(template.New("message").Parse(
	`<div class="message {{.Role}}">{{.ContentHTML}}` +
		`{{if .HasTools}}{{.ToolsIcon}}<div class="tools-data" data-tools="{{.ToolsJSON}}" style="display:none;"></div>{{end}}` +
		`{{.ToolCallsHTML}}</div>
`))

var toolCallTemplate = template.Must(template.New("toolcall").Parse(
	`<div class="tool-call-container"><div class="tool-call-header">{{.Icon}}<div class="tool-call-title">Tool | {{.Name}}</div></div>` +
		`<pre><code class="language-{{.Language}}">{{.Arguments}}</code></pre></div>`))

var dividerTemplate = template.Must(template.New("divider").Parse(
	`<div class="conversation-divider"><span class="conversation-divider-label">{{.}}</span></div>
`))

// Message renders one turn: role-tagged container, body, the collapsed
// tool list for a user turn that carried one, and the assistant's tool calls.
func Message(msg chat.Message) Fragment {
	content := Content(msg.Content)

	data := messageViewData{
		Role:        string(msg.Role),
		ContentHTML: content.HTML,
		ToolsIcon:   template.HTML(svgToolsList), //nolint:gosec // Constant SVG
	}

	if len(msg.Tools) > 0 && msg.Role == chat.MessageRoleUser {
		data.HasTools = true
		data.ToolsJSON = indentJSON(msg.Tools)
	}

	if len(msg.ToolCalls) > 0 {
		calls := ToolCalls(msg.ToolCalls)
		data.ToolCallsHTML = calls.HTML
		if calls.Degraded && content.Err == nil {
			content.Degraded, content.Err = true, calls.Err
		}
	}

	var buf bytes.Buffer
	if err := messageTemplate.Execute(&buf, data); err != nil {
		// Only reachable with a broken template; keep the transcript going.
		slog.Error("Failed to execute message template", "role", msg.Role, "error", err)
		return Fragment{
			HTML:     template.HTML(`<div class="message">` + template.HTMLEscapeString(msg.Content.PlainText()) + `</div>`), //nolint:gosec // escaped
			Degraded: true,
			Err:      err,
		}
	}

	return Fragment{HTML: template.HTML(buf.String()), Degraded: content.Degraded, Err: content.Err} //nolint:gosec // Content is escaped by sub-templates
}

// ToolCalls renders each call in order. A call whose arguments were not
// valid JSON shows the raw argument string and marks the result degraded;
// the calls around it are unaffected.
func ToolCalls(calls []chat.ToolCall) Fragment {
	var (
		out Fragment
		buf bytes.Buffer
	)
	for _, tc := range calls {
		data := toolCallViewData{
			Name:      tc.Name,
			Icon:      template.HTML(svgToolCall), //nolint:gosec // Constant SVG
			Arguments: tc.RawArguments,
			Language:  "plaintext",
		}
		if tc.HasParsedArguments() {
			data.Arguments = indentJSON(tc.Arguments)
			data.Language = "json"
		} else if !out.Degraded {
			out.Degraded = true
			out.Err = fmt.Errorf("tool call %q: arguments are not valid JSON", tc.Name)
		}

		if err := toolCallTemplate.Execute(&buf, data); err != nil {
			slog.Error("Failed to execute tool call template", "tool", tc.Name, "error", err)
			out.Degraded, out.Err = true, err
		}
	}
	out.HTML = template.HTML(buf.String()) //nolint:gosec // escaped by template
	return out
}

// Divider renders the separator inserted at a conversation boundary.
func Divider(label string) Fragment {
	var buf bytes.Buffer
	if err := dividerTemplate.Execute(&buf, label); err != nil {
		return Fragment{HTML: template.HTML(template.HTMLEscapeString(label)), Degraded: true, Err: err} //nolint:gosec // escaped
	}
	return Fragment{HTML: template.HTML(buf.String())} //nolint:gosec // escaped by template
}

// indentJSON pretty-prints raw JSON, keeping key order. Invalid input is
// returned as-is.
func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

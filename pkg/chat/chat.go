// Package chat holds the provider-neutral conversation model that every
// capture path normalizes into before anything is rendered.
package chat

import (
	"encoding/json"
	"errors"
	"strings"
)

type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// ErrNoMessages is returned when a conversation file or request carries no turns.
var ErrNoMessages = errors.New("no messages")

// NormalizeRole maps the role spellings used by chat orchestration libraries
// ("human", "ai", ...) onto MessageRole. Unknown roles are kept lower-cased.
func NormalizeRole(role string) MessageRole {
	switch r := strings.ToLower(strings.TrimSpace(role)); r {
	case "human", "user":
		return MessageRoleUser
	case "ai", "assistant", "model":
		return MessageRoleAssistant
	case "system", "developer":
		return MessageRoleSystem
	case "tool", "function":
		return MessageRoleTool
	default:
		return MessageRole(r)
	}
}

// Message is one turn of a conversation.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   Content     `json:"content"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`

	// Tools is the "available tools" list sent alongside the request whose
	// last turn this message is. Only set on user messages.
	Tools json.RawMessage `json:"tools,omitempty"`
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role      string          `json:"role"`
		Type      string          `json:"type"`
		Content   Content         `json:"content"`
		ToolCalls []ToolCall      `json:"tool_calls"`
		Tools     json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role := raw.Role
	if role == "" {
		role = raw.Type
	}
	*m = Message{
		Role:      NormalizeRole(role),
		Content:   raw.Content,
		ToolCalls: raw.ToolCalls,
		Tools:     raw.Tools,
	}
	return nil
}

// ToolCall is a function invocation requested by the assistant.
type ToolCall struct {
	ID   string
	Name string

	// Arguments holds the parsed JSON arguments. It is nil when the raw
	// argument string was not valid JSON, in which case RawArguments is
	// what gets displayed.
	Arguments    json.RawMessage
	RawArguments string
}

// NewToolCall builds a ToolCall from a string-encoded JSON argument blob.
func NewToolCall(id, name, arguments string) ToolCall {
	tc := ToolCall{ID: id, Name: name, RawArguments: arguments}
	if name == "" {
		tc.Name = "unknown"
	}
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		trimmed = "{}"
	}
	if json.Valid([]byte(trimmed)) {
		tc.Arguments = json.RawMessage(trimmed)
	}
	return tc
}

// HasParsedArguments reports whether the arguments were valid JSON.
func (tc ToolCall) HasParsedArguments() bool {
	return len(tc.Arguments) > 0
}

// wireToolCall accepts both the flat {name, arguments} shape and the OpenAI
// {id, function: {name, arguments}} shape. Arguments may be a JSON string or
// an already-decoded JSON value.
type wireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Input     json.RawMessage `json:"input"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w wireToolCall
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	name, args := w.Name, w.Arguments
	if w.Function != nil {
		name, args = w.Function.Name, w.Function.Arguments
	}
	if len(args) == 0 {
		args = w.Input
	}
	*tc = NewToolCall(w.ID, name, argumentString(args))
	return nil
}

func (tc ToolCall) MarshalJSON() ([]byte, error) {
	out := struct {
		ID        string          `json:"id,omitempty"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	if !tc.HasParsedArguments() {
		quoted, err := json.Marshal(tc.RawArguments)
		if err != nil {
			return nil, err
		}
		out.Arguments = quoted
	}
	return json.Marshal(out)
}

// argumentString unwraps a string-encoded argument blob, or returns the raw
// JSON text when the arguments were sent as a JSON value.
func argumentString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

package capture

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strings"

	"github.com/docker/chatlog/pkg/chat"
)

// anthropicDialect handles the Messages API. The system prompt, which
// travels outside the message list, becomes a leading system message.
type anthropicDialect struct{}

func (anthropicDialect) name() string { return "anthropic" }

type anthropicBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func (anthropicDialect) decodeRequest(body []byte) (request, error) {
	var wire struct {
		System   json.RawMessage `json:"system"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
		Tools  json.RawMessage `json:"tools"`
		Stream bool            `json:"stream"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return request{}, err
	}

	var messages []chat.Message
	if system := nonEmptyJSON(wire.System); system != nil {
		messages = append(messages, chat.Message{
			Role:    chat.MessageRoleSystem,
			Content: chat.ParseContent(system),
		})
	}
	for _, m := range wire.Messages {
		content, calls := splitToolUse(m.Content)
		messages = append(messages, chat.Message{
			Role:      chat.NormalizeRole(m.Role),
			Content:   content,
			ToolCalls: calls,
		})
	}

	return request{
		messages: messages,
		tools:    nonEmptyJSON(wire.Tools),
		stream:   wire.Stream,
	}, nil
}

// splitToolUse separates tool_use blocks from the rest of a content array.
func splitToolUse(raw json.RawMessage) (chat.Content, []chat.ToolCall) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return chat.ParseContent(trimmed), nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(trimmed, &elems); err != nil {
		return chat.ParseContent(trimmed), nil
	}

	var (
		rest  [][]byte
		calls []chat.ToolCall
	)
	for _, elem := range elems {
		var b anthropicBlock
		if err := json.Unmarshal(elem, &b); err == nil && b.Type == "tool_use" {
			calls = append(calls, chat.NewToolCall(b.ID, b.Name, string(b.Input)))
			continue
		}
		rest = append(rest, elem)
	}
	if len(rest) == 0 {
		return chat.Text(""), calls
	}

	joined := append([]byte{'['}, bytes.Join(rest, []byte{','})...)
	joined = append(joined, ']')
	return chat.ParseContent(joined), calls
}

func (anthropicDialect) decodeResponse(body []byte) (*chat.Message, error) {
	var wire struct {
		Type    string           `json:"type"`
		Content []anthropicBlock `json:"content"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if wire.Type != "" && wire.Type != "message" {
		return nil, nil
	}

	var (
		texts []string
		calls []chat.ToolCall
	)
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			texts = append(texts, b.Text)
		case "tool_use":
			calls = append(calls, chat.NewToolCall(b.ID, b.Name, string(b.Input)))
		}
	}
	if len(texts) == 0 && len(calls) == 0 {
		return nil, nil
	}
	return &chat.Message{
		Role:      chat.MessageRoleAssistant,
		Content:   chat.Text(strings.Join(texts, "\n")),
		ToolCalls: calls,
	}, nil
}

func (anthropicDialect) newAssembler() assembler {
	return &anthropicStream{blocks: make(map[int]*streamBlock)}
}

type streamBlock struct {
	kind  string
	text  strings.Builder
	id    string
	name  string
	input strings.Builder
	// initial is the input sent with content_block_start, used when no
	// input_json_delta follows.
	initial json.RawMessage
}

// anthropicStream merges content_block_* events by block index.
type anthropicStream struct {
	seen   bool
	blocks map[int]*streamBlock
}

type anthropicEvent struct {
	Type         string         `json:"type"`
	Index        int            `json:"index"`
	ContentBlock anthropicBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

func (s *anthropicStream) event(data []byte) {
	var ev anthropicEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "message_start":
		s.seen = true
	case "content_block_start":
		s.seen = true
		b := &streamBlock{
			kind:    ev.ContentBlock.Type,
			id:      ev.ContentBlock.ID,
			name:    ev.ContentBlock.Name,
			initial: ev.ContentBlock.Input,
		}
		b.text.WriteString(ev.ContentBlock.Text)
		s.blocks[ev.Index] = b
	case "content_block_delta":
		b, ok := s.blocks[ev.Index]
		if !ok {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			b.text.WriteString(ev.Delta.Text)
		case "input_json_delta":
			b.input.WriteString(ev.Delta.PartialJSON)
		}
	}
}

func (s *anthropicStream) reply() *chat.Message {
	if !s.seen {
		return nil
	}

	var (
		texts []string
		calls []chat.ToolCall
	)
	for _, i := range slices.Sorted(maps.Keys(s.blocks)) {
		b := s.blocks[i]
		switch b.kind {
		case "text":
			texts = append(texts, b.text.String())
		case "tool_use":
			args := b.input.String()
			if args == "" {
				args = string(b.initial)
			}
			calls = append(calls, chat.NewToolCall(b.id, b.name, args))
		}
	}
	return &chat.Message{
		Role:      chat.MessageRoleAssistant,
		Content:   chat.Text(strings.Join(texts, "\n")),
		ToolCalls: calls,
	}
}

package capture

import (
	"encoding/json"
	"strings"

	"github.com/docker/chatlog/pkg/chat"
)

// openAIDialect handles the Chat Completions API and the many servers
// that mimic it.
type openAIDialect struct{}

func (openAIDialect) name() string { return "openai" }

func (openAIDialect) decodeRequest(body []byte) (request, error) {
	var wire struct {
		Messages []chat.Message `json:"messages"`
		Tools    json.RawMessage `json:"tools"`
		Stream   bool            `json:"stream"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return request{}, err
	}
	return request{
		messages: wire.Messages,
		tools:    nonEmptyJSON(wire.Tools),
		stream:   wire.Stream,
	}, nil
}

func (openAIDialect) decodeResponse(body []byte) (*chat.Message, error) {
	var wire struct {
		Choices []struct {
			Message *chat.Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, err
	}
	if len(wire.Choices) == 0 || wire.Choices[0].Message == nil {
		return nil, nil
	}
	reply := wire.Choices[0].Message
	reply.Role = chat.MessageRoleAssistant
	return reply, nil
}

func (openAIDialect) newAssembler() assembler {
	return &openAIStream{}
}

type streamCall struct {
	id   string
	name strings.Builder
	args strings.Builder
}

// openAIStream merges chat.completion.chunk deltas of the first choice.
// Tool call fragments are merged by their index.
type openAIStream struct {
	seen    bool
	content strings.Builder
	calls   []*streamCall
}

type openAIChunk struct {
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Content   *string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
	} `json:"choices"`
}

func (s *openAIStream) event(data []byte) {
	if string(data) == "[DONE]" {
		return
	}

	var chunk openAIChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		s.seen = true
		if choice.Delta.Content != nil {
			s.content.WriteString(*choice.Delta.Content)
		}
		for _, tc := range choice.Delta.ToolCalls {
			if tc.Index < 0 {
				continue
			}
			for len(s.calls) <= tc.Index {
				s.calls = append(s.calls, &streamCall{})
			}
			call := s.calls[tc.Index]
			if tc.ID != "" {
				call.id = tc.ID
			}
			call.name.WriteString(tc.Function.Name)
			call.args.WriteString(tc.Function.Arguments)
		}
	}
}

func (s *openAIStream) reply() *chat.Message {
	if !s.seen {
		return nil
	}
	msg := &chat.Message{
		Role:    chat.MessageRoleAssistant,
		Content: chat.Text(s.content.String()),
	}
	for _, call := range s.calls {
		msg.ToolCalls = append(msg.ToolCalls, chat.NewToolCall(call.id, call.name.String(), call.args.String()))
	}
	return msg
}

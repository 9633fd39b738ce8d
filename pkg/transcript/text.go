package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/docker/chatlog/pkg/chat"
)

// PlainText renders a conversation as Markdown-flavoured plain text.
func PlainText(messages []chat.Message) string {
	var builder strings.Builder

	for i := range messages {
		msg := messages[i]

		switch msg.Role {
		case chat.MessageRoleSystem:
			writeSystemMessage(&builder, msg)
		case chat.MessageRoleUser:
			writeUserMessage(&builder, msg)
		case chat.MessageRoleAssistant:
			writeAssistantMessage(&builder, msg)
		case chat.MessageRoleTool:
			writeToolMessage(&builder, msg)
		}
	}

	return strings.TrimSpace(builder.String())
}

func writeSystemMessage(builder *strings.Builder, msg chat.Message) {
	fmt.Fprintf(builder, "\n## System\n\n%s\n", msg.Content.PlainText())
}

func writeUserMessage(builder *strings.Builder, msg chat.Message) {
	fmt.Fprintf(builder, "\n## User\n\n%s\n", msg.Content.PlainText())

	if len(msg.Tools) > 0 {
		builder.WriteString("\n### Available Tools\n\n")
		toJSONString(builder, string(msg.Tools))
	}
}

func writeAssistantMessage(builder *strings.Builder, msg chat.Message) {
	builder.WriteString("\n## Assistant\n\n")

	if text := msg.Content.PlainText(); text != "" {
		builder.WriteString(text)
		builder.WriteString("\n")
	}

	if len(msg.ToolCalls) > 0 {
		builder.WriteString("\n### Tool Calls\n\n")
		for _, toolCall := range msg.ToolCalls {
			fmt.Fprintf(builder, "- **%s**", toolCall.Name)
			if toolCall.ID != "" {
				fmt.Fprintf(builder, " (ID: %s)", toolCall.ID)
			}

			builder.WriteString("\n")
			if toolCall.HasParsedArguments() {
				toJSONString(builder, string(toolCall.Arguments))
			} else {
				toJSONString(builder, toolCall.RawArguments)
			}
			builder.WriteString("\n")
		}
	}
}

func writeToolMessage(builder *strings.Builder, msg chat.Message) {
	builder.WriteString("\n### Tool Result\n\n")
	toJSONString(builder, msg.Content.PlainText())
}

func toJSONString(builder *strings.Builder, in string) {
	var content any
	if err := json.Unmarshal([]byte(in), &content); err == nil {
		if formatted, err := json.MarshalIndent(content, "", "  "); err == nil {
			builder.WriteString("```json\n")
			builder.WriteString(string(formatted))
			builder.WriteString("\n```\n")
		} else {
			builder.WriteString(in)
			builder.WriteString("\n")
		}
	} else if in != "" {
		builder.WriteString(in)
		builder.WriteString("\n")
	}
}

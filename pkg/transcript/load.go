package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/docker/chatlog/pkg/chat"
)

// conversationFile is the object form of a conversation file. The bare
// form is a list of messages.
type conversationFile struct {
	Messages []chat.Message `json:"messages"`
}

// LoadMessages reads a conversation from a JSON or YAML file. Files ending
// in .yaml or .yml are parsed as YAML.
func LoadMessages(path string) ([]chat.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading conversation: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parsing conversation %s: %w", path, err)
		}
	}

	messages, err := DecodeMessages(data)
	if err != nil {
		return nil, fmt.Errorf("parsing conversation %s: %w", path, err)
	}
	return messages, nil
}

// DecodeMessages decodes a JSON list of messages, or an object holding
// one under "messages".
func DecodeMessages(data []byte) ([]chat.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, chat.ErrNoMessages
	}

	var messages []chat.Message
	if data[0] == '{' {
		var file conversationFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, err
		}
		messages = file.Messages
	} else if err := json.Unmarshal(data, &messages); err != nil {
		return nil, err
	}

	if len(messages) == 0 {
		return nil, chat.ErrNoMessages
	}
	return messages, nil
}

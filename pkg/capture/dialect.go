package capture

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/docker/chatlog/pkg/chat"
)

// request is what a chat endpoint call carries, normalized.
type request struct {
	messages []chat.Message
	tools    json.RawMessage
	stream   bool
}

// assembler rebuilds one assistant reply from the data payloads of a
// server-sent event stream.
type assembler interface {
	event(data []byte)
	reply() *chat.Message
}

type dialect interface {
	name() string
	decodeRequest(body []byte) (request, error)
	decodeResponse(body []byte) (*chat.Message, error)
	newAssembler() assembler
}

// dialectFor picks the wire format from the endpoint path. Calls to any
// other endpoint are not chat exchanges and return nil.
func dialectFor(path string) dialect {
	path = strings.TrimSuffix(path, "/")
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		return openAIDialect{}
	case strings.HasSuffix(path, "/v1/messages"):
		return anthropicDialect{}
	default:
		return nil
	}
}

// nonEmptyJSON returns raw unless it is absent, null or an empty array.
func nonEmptyJSON(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	switch string(trimmed) {
	case "", "null", "[]", "{}":
		return nil
	}
	return trimmed
}

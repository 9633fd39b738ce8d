package chat

import (
	"bytes"
	"encoding/json"
)

// ContentKind selects the rendering path for a message body.
type ContentKind int

const (
	ContentText ContentKind = iota
	ContentParts
	ContentJSON
)

func (k ContentKind) String() string {
	switch k {
	case ContentText:
		return "text"
	case ContentParts:
		return "parts"
	case ContentJSON:
		return "json"
	default:
		return "unknown"
	}
}

type MessagePartType string

const (
	MessagePartTypeText     MessagePartType = "text"
	MessagePartTypeImageURL MessagePartType = "image_url"
)

// MessagePart is one element of a multimodal message. Parts of a type this
// package does not understand keep their original JSON in Raw.
type MessagePart struct {
	Type     MessagePartType
	Text     string
	ImageURL string
	Raw      json.RawMessage
}

func TextPart(text string) MessagePart {
	return MessagePart{Type: MessagePartTypeText, Text: text}
}

func ImagePart(url string) MessagePart {
	return MessagePart{Type: MessagePartTypeImageURL, ImageURL: url}
}

// Content is a tagged union: plain text, ordered multimodal parts, or an
// opaque JSON value. The zero value is empty text.
type Content struct {
	kind  ContentKind
	text  string
	parts []MessagePart
	raw   json.RawMessage
}

func Text(s string) Content {
	return Content{kind: ContentText, text: s}
}

func Parts(parts ...MessagePart) Content {
	return Content{kind: ContentParts, parts: parts}
}

// JSON wraps an opaque JSON value. The bytes are not validated here; a
// renderer that cannot pretty-print them falls back to escaped text.
func JSON(raw json.RawMessage) Content {
	return Content{kind: ContentJSON, raw: raw}
}

func (c Content) Kind() ContentKind          { return c.kind }
func (c Content) TextValue() string          { return c.text }
func (c Content) PartsValue() []MessagePart  { return c.parts }
func (c Content) JSONValue() json.RawMessage { return c.raw }

// IsEmpty reports whether there is nothing to render.
func (c Content) IsEmpty() bool {
	switch c.kind {
	case ContentText:
		return c.text == ""
	case ContentParts:
		return len(c.parts) == 0
	default:
		return len(c.raw) == 0 || bytes.Equal(c.raw, []byte("null"))
	}
}

// PlainText flattens the content for text-only consumers.
func (c Content) PlainText() string {
	switch c.kind {
	case ContentText:
		return c.text
	case ContentParts:
		var buf bytes.Buffer
		for i, p := range c.parts {
			if i > 0 {
				buf.WriteByte('\n')
			}
			switch p.Type {
			case MessagePartTypeText:
				buf.WriteString(p.Text)
			case MessagePartTypeImageURL:
				buf.WriteString("[image] ")
				buf.WriteString(p.ImageURL)
			default:
				buf.Write(p.Raw)
			}
		}
		return buf.String()
	default:
		return string(c.raw)
	}
}

// ParseContent decodes the "content" field of a chat-completion message:
// a string becomes Text, an array of typed parts becomes Parts, null
// becomes empty Text and anything else is kept as JSON.
func ParseContent(raw json.RawMessage) Content {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Text("")
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return Text(s)
		}
	case '[':
		if parts, ok := parseParts(trimmed); ok {
			return Parts(parts...)
		}
	}
	return JSON(trimmed)
}

type wirePart struct {
	Type     string          `json:"type"`
	Text     *string         `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
	Source   *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
		URL       string `json:"url"`
	} `json:"source"`
}

// parseParts accepts OpenAI parts ({"type":"text"}, {"type":"image_url"})
// and Anthropic blocks ({"type":"image","source":{...}}). It reports false
// when the array is not a list of typed objects.
func parseParts(raw json.RawMessage) ([]MessagePart, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, false
	}

	parts := make([]MessagePart, 0, len(elems))
	for _, elem := range elems {
		var w wirePart
		if err := json.Unmarshal(elem, &w); err != nil || w.Type == "" {
			return nil, false
		}

		switch {
		case w.Type == "text" && w.Text != nil:
			parts = append(parts, TextPart(*w.Text))
		case w.Type == "image_url":
			if url := imageURL(w.ImageURL); url != "" {
				parts = append(parts, ImagePart(url))
			}
		case w.Type == "image" && w.Source != nil:
			switch w.Source.Type {
			case "base64":
				parts = append(parts, ImagePart("data:"+w.Source.MediaType+";base64,"+w.Source.Data))
			case "url":
				parts = append(parts, ImagePart(w.Source.URL))
			default:
				parts = append(parts, MessagePart{Type: MessagePartType(w.Type), Raw: elem})
			}
		default:
			parts = append(parts, MessagePart{Type: MessagePartType(w.Type), Raw: elem})
		}
	}
	return parts, true
}

// imageURL reads either {"url": "..."} or a bare string.
func imageURL(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.URL != "" {
		return obj.URL
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func (c *Content) UnmarshalJSON(data []byte) error {
	*c = ParseContent(data)
	return nil
}

func (c Content) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case ContentText:
		return json.Marshal(c.text)
	case ContentParts:
		out := make([]any, 0, len(c.parts))
		for _, p := range c.parts {
			switch p.Type {
			case MessagePartTypeText:
				out = append(out, map[string]any{"type": "text", "text": p.Text})
			case MessagePartTypeImageURL:
				out = append(out, map[string]any{"type": "image_url", "image_url": map[string]string{"url": p.ImageURL}})
			default:
				out = append(out, p.Raw)
			}
		}
		return json.Marshal(out)
	default:
		if len(c.raw) == 0 {
			return []byte("null"), nil
		}
		if !json.Valid(c.raw) {
			return json.Marshal(string(c.raw))
		}
		return c.raw, nil
	}
}

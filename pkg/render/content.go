// Package render turns chat messages into HTML fragments for a transcript.
//
// All literal text is HTML-escaped before any markup is injected, so code
// fences, inline code and image detection only ever operate on text that can
// no longer carry tags of its own.
package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"html/template"
	"log/slog"
	"regexp"
	"strings"

	"github.com/docker/chatlog/pkg/chat"
)

// Fragment is the result of rendering one piece of content. A degraded
// fragment is still safe to write: it holds the escaped raw value and Err
// explains why the structured rendering was abandoned.
type Fragment struct {
	HTML     template.HTML
	Degraded bool
	Err      error
}

func (f Fragment) String() string {
	return string(f.HTML)
}

var errInvalidJSON = errors.New("invalid JSON")

var (
	imageURLPattern    = regexp.MustCompile(`(https?://\S+\.(?:png|jpg|jpeg|gif|webp))`)
	imageBase64Pattern = regexp.MustCompile(`(data:image/(?:png|jpg|jpeg|gif|webp);base64,[a-zA-Z0-9+/]+={0,2})`)
)

const (
	imageURLReplacement    = `<div class="image-container"><img src="$1" alt="image"></div>`
	imageBase64Replacement = `<div class="image-container"><img src="$1" alt="base64 image"></div>`
	codeFence              = "```"
	defaultCodeLanguage    = "plaintext"
)

// Content renders a message body. It never fails: structured content that
// cannot be rendered degrades to its escaped textual form.
func Content(c chat.Content) Fragment {
	if c.IsEmpty() {
		return Fragment{}
	}

	switch c.Kind() {
	case chat.ContentText:
		return Fragment{HTML: template.HTML(`<span class="content-text">` + Text(c.TextValue()) + `</span>`)} //nolint:gosec // escaped by Text
	case chat.ContentParts:
		return Fragment{HTML: template.HTML(renderParts(c.PartsValue()))} //nolint:gosec // every part is escaped
	default:
		return renderJSON(c.JSONValue())
	}
}

// Text runs the plain-string pipeline: escape, fenced code blocks, image
// URLs and data URIs, then inline code.
func Text(s string) string {
	out := html.EscapeString(s)
	out = codeBlocks(out)
	out = images(out)
	return inlineCode(out)
}

// partText is the pipeline for typed text parts, which skips image
// detection because images arrive as their own parts.
func partText(s string) string {
	out := html.EscapeString(s)
	out = codeBlocks(out)
	return inlineCode(out)
}

func renderParts(parts []chat.MessagePart) string {
	rendered := make([]string, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case chat.MessagePartTypeText:
			rendered = append(rendered, partText(p.Text))
		case chat.MessagePartTypeImageURL:
			if p.ImageURL != "" {
				rendered = append(rendered, imageElement(p.ImageURL))
			}
		default:
			rendered = append(rendered, html.EscapeString(string(p.Raw)))
		}
	}
	return strings.Join(rendered, "\n")
}

func imageElement(url string) string {
	return `<div class="image-container"><img src="` + html.EscapeString(url) + `" alt="image"></div>`
}

func renderJSON(raw json.RawMessage) Fragment {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		err = fmt.Errorf("%w: %w", errInvalidJSON, err)
		slog.Warn("Failed to render structured content, falling back to escaped text", "error", err)
		return Fragment{
			HTML:     template.HTML(html.EscapeString(string(raw))), //nolint:gosec // escaped
			Degraded: true,
			Err:      err,
		}
	}
	return Fragment{HTML: template.HTML(`<pre><code>` + html.EscapeString(buf.String()) + `</code></pre>`)} //nolint:gosec // escaped
}

// codeBlocks wraps fenced blocks in <pre><code>. A fence left open at the
// end of the input drops everything after it.
func codeBlocks(text string) string {
	var (
		result   []string
		code     []string
		inCode   bool
		language string
	)

	for line := range strings.SplitSeq(text, "\n") {
		switch {
		case strings.HasPrefix(line, codeFence) && !inCode:
			inCode = true
			language = strings.TrimSpace(line[len(codeFence):])
			if language == "" {
				language = defaultCodeLanguage
			}
		case strings.HasPrefix(line, codeFence) && inCode:
			inCode = false
			result = append(result, `<pre><code class="language-`+language+`">`+strings.Join(code, "\n")+`</code></pre>`)
			code = nil
		case inCode:
			code = append(code, line)
		default:
			result = append(result, line)
		}
	}

	return strings.Join(result, "\n")
}

func images(text string) string {
	text = imageURLPattern.ReplaceAllString(text, imageURLReplacement)
	return imageBase64Pattern.ReplaceAllString(text, imageBase64Replacement)
}

// inlineCode wraps every odd backtick-delimited segment in <code>. An odd
// number of backticks leaves the last segment open-ended, as a plain split
// would.
func inlineCode(text string) string {
	if !strings.Contains(text, "`") {
		return text
	}

	var b strings.Builder
	for i, part := range strings.Split(text, "`") {
		if i%2 == 1 {
			b.WriteString("<code>")
			b.WriteString(part)
			b.WriteString("</code>")
		} else {
			b.WriteString(part)
		}
	}
	return b.String()
}

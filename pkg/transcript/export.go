package transcript

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/docker/chatlog/pkg/chat"
	"github.com/docker/chatlog/pkg/render"
)

// Generate renders a complete transcript document for a finished
// conversation. Fragments that degraded are still included.
func Generate(messages []chat.Message, opts ...Opt) ([]byte, error) {
	if len(messages) == 0 {
		return nil, chat.ErrNoMessages
	}

	o := newOptions(opts)
	head, err := renderPreamble(o, o.now())
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(head)
	for _, msg := range messages {
		buf.WriteString(render.Message(msg).String())
	}
	buf.WriteString(footer)
	return buf.Bytes(), nil
}

// Export writes a complete transcript for messages. When filename is
// empty, a timestamped name inside outputDir is used. The file is replaced
// atomically and its absolute path is returned.
func Export(messages []chat.Message, outputDir, filename string, opts ...Opt) (string, error) {
	o := newOptions(opts)
	if filename == "" {
		filename = filepath.Join(outputDir, FileName(o.now()))
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".html") {
		filename += ".html"
	}

	content, err := Generate(messages, opts...)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	if err := atomic.WriteFile(filename, bytes.NewReader(content)); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}

	absPath, err := filepath.Abs(filename)
	if err != nil {
		return filename, nil
	}
	return absPath, nil
}

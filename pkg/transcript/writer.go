// Package transcript owns the HTML transcript file: the document preamble,
// incremental appends as a session progresses and the closing footer.
package transcript

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docker/chatlog/pkg/render"
)

//go:embed transcript.css
var cssStyles string

//go:embed transcript.js
var jsCode string

//go:embed transcript.html
var preambleTemplate string

const (
	DefaultTitle = "Conversation History"
	footer       = "</div>\n</body>\n</html>\n"
	filePrefix   = "conversation_"
	fileLayout   = "20060102_150405"
)

// ErrClosed is returned when writing to a transcript that was already closed.
var ErrClosed = errors.New("transcript is closed")

var preamble = template.Must(template.New("preamble").Parse(preambleTemplate))

type preambleData struct {
	Title         string
	SessionID     string
	FormattedDate string
	CSS           template.CSS
	JS            template.JS
}

type options struct {
	now       func() time.Time
	title     string
	sessionID string
}

type Opt func(*options)

// WithClock overrides the clock used for the file name and header date.
func WithClock(now func() time.Time) Opt {
	return func(o *options) {
		o.now = now
	}
}

func WithTitle(title string) Opt {
	return func(o *options) {
		o.title = title
	}
}

// WithSessionID sets the identifier embedded in the document head.
// A random one is generated otherwise.
func WithSessionID(id string) Opt {
	return func(o *options) {
		o.sessionID = id
	}
}

func newOptions(opts []Opt) options {
	o := options{
		now:   time.Now,
		title: DefaultTitle,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	return o
}

// Writer appends rendered fragments to one transcript file. The file is
// reopened for every write so that it can be viewed while a session is
// still running.
type Writer struct {
	mu        sync.Mutex
	path      string
	sessionID string
	closed    bool
}

// New creates outputDir if needed and writes the document preamble to a
// file named after the current time. Two writers created within the same
// second in the same directory share a file name; the later one wins.
func New(outputDir string, opts ...Opt) (*Writer, error) {
	o := newOptions(opts)

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	created := o.now()
	path := filepath.Join(outputDir, FileName(created))

	head, err := renderPreamble(o, created)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, head, 0o644); err != nil {
		return nil, fmt.Errorf("writing transcript preamble: %w", err)
	}

	slog.Debug("Transcript created", "path", path, "session_id", o.sessionID)
	return &Writer{path: path, sessionID: o.sessionID}, nil
}

// FileName is the transcript file name for a session started at t.
func FileName(t time.Time) string {
	return filePrefix + t.Format(fileLayout) + ".html"
}

func renderPreamble(o options, created time.Time) ([]byte, error) {
	var buf bytes.Buffer
	err := preamble.Execute(&buf, preambleData{
		Title:         o.title,
		SessionID:     o.sessionID,
		FormattedDate: created.Format("January 2, 2006 at 3:04 PM"),
		CSS:           template.CSS(cssStyles), //nolint:gosec // embedded asset
		JS:            template.JS(jsCode),     //nolint:gosec // embedded asset
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute preamble template: %w", err)
	}
	return buf.Bytes(), nil
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) SessionID() string {
	return w.sessionID
}

func (w *Writer) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Append writes an already-rendered fragment at the end of the transcript.
func (w *Writer) Append(fragment template.HTML) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	return w.appendLocked(string(fragment))
}

// AppendDivider writes a conversation boundary labelled with label.
func (w *Writer) AppendDivider(label string) error {
	return w.Append(render.Divider(label).HTML)
}

// Close writes the footer. Calling it again is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	if err := w.appendLocked(footer); err != nil {
		return err
	}
	w.closed = true
	slog.Debug("Transcript closed", "path", w.path)
	return nil
}

func (w *Writer) appendLocked(s string) error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening transcript: %w", err)
	}
	if _, err := f.WriteString(s); err != nil {
		_ = f.Close()
		return fmt.Errorf("appending to transcript: %w", err)
	}
	return f.Close()
}

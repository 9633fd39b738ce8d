// Package cli prints human-readable status lines for the chatlog commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/docker/chatlog/pkg/capture"
	"github.com/docker/chatlog/pkg/chat"
	"github.com/docker/chatlog/pkg/recorder"
)

var bold = color.New(color.Bold).SprintfFunc()

// previewLength bounds the reply text shown in an exchange summary.
const previewLength = 72

type Printer struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

// NewPrinter writes to out, in color only when out is a terminal.
func NewPrinter(out io.Writer) *Printer {
	p := &Printer{out: out}
	if f, ok := out.(*os.File); ok {
		p.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return p
}

func (p *Printer) paint(attrs ...color.Attribute) func(format string, a ...any) string {
	if !p.color {
		return fmt.Sprintf
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.SprintfFunc()
}

func (p *Printer) Printf(format string, a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, a...)
}

func (p *Printer) Println(a ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, a...)
}

// PrintSuccess prints a green check line.
func (p *Printer) PrintSuccess(format string, a ...any) {
	p.Println(p.paint(color.FgGreen)("✓ "+format, a...))
}

// PrintInfo prints a dimmed informational line.
func (p *Printer) PrintInfo(format string, a ...any) {
	p.Println(p.paint(color.Faint)(format, a...))
}

// PrintError prints an error message
func (p *Printer) PrintError(err error) {
	p.Println(p.paint(color.FgRed)("✗ %s", err))
}

// PrintExchange summarizes one recorded exchange: its conversation, the
// size of the history, the start of the reply and any tool calls.
func (p *Printer) PrintExchange(ex recorder.Exchange) {
	key := ex.Key
	if key == "" {
		key = "default"
	}
	cyan := p.paint(color.FgCyan)
	yellow := p.paint(color.FgYellow)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d messages", cyan("[%s]", key), len(ex.Messages))
	if ex.Reply == nil {
		b.WriteString(" (no reply)")
	} else if text := preview(ex.Reply.Content); text != "" {
		fmt.Fprintf(&b, " → %q", text)
	}
	if ex.Reply != nil {
		for _, call := range ex.Reply.ToolCalls {
			fmt.Fprintf(&b, "\n  ↳ %s%s", yellow("%s", call.Name), formatToolCallArguments(call.RawArguments))
		}
	}
	p.Println(b.String())
}

func preview(c chat.Content) string {
	text := strings.Join(strings.Fields(c.PlainText()), " ")
	if r := []rune(text); len(r) > previewLength {
		return string(r[:previewLength-1]) + "…"
	}
	return text
}

// Echo is a capture.Sink that forwards every exchange to Next and prints
// a summary of the ones Next accepted.
type Echo struct {
	Next    capture.Sink
	Printer *Printer
}

func (e Echo) ObserveExchange(ctx context.Context, ex recorder.Exchange) error {
	if err := e.Next.ObserveExchange(ctx, ex); err != nil {
		return err
	}
	e.Printer.PrintExchange(ex)
	return nil
}

func formatToolCallArguments(arguments string) string {
	if strings.TrimSpace(arguments) == "" {
		return "()"
	}

	// Is it a map?
	kv := orderedmap.New[string, any]()
	if err := json.Unmarshal([]byte(arguments), &kv); err == nil {
		if kv.Len() == 0 {
			return "()"
		}

		var (
			parts     []string
			multiline bool
		)

		for key, value := range kv.FromOldest() {
			formatted := formatJSONValue(key, value)
			parts = append(parts, formatted)

			multiline = multiline || strings.Contains(formatted, "\n")
		}

		if len(parts) == 1 && !multiline {
			return fmt.Sprintf("(%s)", parts[0])
		}

		return fmt.Sprintf("(\n    %s\n  )", strings.Join(parts, "\n    "))
	}

	// Maybe some other JSON type?
	var parsed any
	if err := json.Unmarshal([]byte(arguments), &parsed); err == nil {
		formatted, _ := json.Marshal(parsed)
		return fmt.Sprintf("(%s)", string(formatted))
	}

	// JSON parsing failed
	return fmt.Sprintf("(%s)", arguments)
}

func formatJSONValue(key string, value any) string {
	switch v := value.(type) {
	case string:
		return fmt.Sprintf("%s: %q", bold(key), v)

	case []any:
		if len(v) == 0 {
			return fmt.Sprintf("%s: []", bold(key))
		}
		jsonBytes, _ := json.Marshal(v)
		return fmt.Sprintf("%s: %s", bold(key), string(jsonBytes))

	case map[string]any:
		jsonBytes, _ := json.MarshalIndent(v, "    ", "  ")
		return fmt.Sprintf("%s: %s", bold(key), string(jsonBytes))

	default:
		jsonBytes, _ := json.Marshal(v)
		return fmt.Sprintf("%s: %s", bold(key), string(jsonBytes))
	}
}

package root

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/natefinch/atomic"
	"github.com/spf13/cobra"

	"github.com/docker/chatlog/pkg/browser"
	"github.com/docker/chatlog/pkg/cli"
	"github.com/docker/chatlog/pkg/config"
	"github.com/docker/chatlog/pkg/transcript"
)

const watchDebounce = 300 * time.Millisecond

type renderFlags struct {
	root       *rootFlags
	format     string
	outputFile string
	watch      bool
	output     outputFlags
}

func newRenderCmd(root *rootFlags) *cobra.Command {
	flags := renderFlags{root: root}

	cmd := &cobra.Command{
		Use:   "render <conversation-file>",
		Short: "Render a saved conversation",
		Long: `Render a conversation stored as JSON or YAML, either a list of messages or
an object with a "messages" list, into a finished HTML transcript or plain text.`,
		Example: `  chatlog render ./conversation.json
  chatlog render ./conversation.yaml --format text
  chatlog render ./conversation.json -o transcript.html --watch`,
		GroupID: "core",
		Args:    cobra.ExactArgs(1),
		RunE:    flags.runRenderCommand,
	}

	cmd.Flags().StringVar(&flags.format, "format", "html", "Output format: html or text")
	cmd.Flags().StringVarP(&flags.outputFile, "output", "o", "", "Output file (default: a timestamped file in the output directory for html, stdout for text)")
	cmd.Flags().BoolVarP(&flags.watch, "watch", "w", false, "Render again whenever the conversation file changes")
	flags.output.register(cmd)

	return cmd
}

func (f *renderFlags) runRenderCommand(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	out := cli.NewPrinter(cmd.OutOrStdout())
	input := args[0]

	switch f.format {
	case "html", "text":
	default:
		return fmt.Errorf("unsupported format %q: expected html or text", f.format)
	}

	cfg, err := f.root.loadConfig()
	if err != nil {
		return err
	}
	f.output.apply(cmd, cfg)

	path, err := f.render(cmd, cfg, input)
	if err != nil {
		out.PrintError(err)
		if !f.watch {
			return RuntimeError{Err: err}
		}
	}
	if path != "" {
		out.PrintSuccess("Transcript written to %s", path)
		if cfg.AutoOpen && f.format == "html" {
			if err := browser.Open(ctx, path); err != nil {
				slog.Warn("Failed to open transcript", "path", path, "error", err)
			}
		}
		// Later renders overwrite the same file.
		f.outputFile = path
	}

	if !f.watch {
		return nil
	}

	out.PrintInfo("Watching %s", input)
	return watchFile(ctx, input, watchDebounce, func() {
		path, err := f.render(cmd, cfg, input)
		if err != nil {
			out.PrintError(err)
			return
		}
		if path != "" {
			out.PrintSuccess("Transcript updated: %s", path)
		}
	})
}

// render writes the conversation in input and returns the file written,
// or "" when text went to stdout.
func (f *renderFlags) render(cmd *cobra.Command, cfg *config.Config, input string) (string, error) {
	messages, err := transcript.LoadMessages(input)
	if err != nil {
		return "", err
	}

	if f.format == "text" {
		text := transcript.PlainText(messages)
		if f.outputFile == "" {
			_, err := fmt.Fprint(cmd.OutOrStdout(), text)
			return "", err
		}
		if err := atomic.WriteFile(f.outputFile, strings.NewReader(text)); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		return filepath.Abs(f.outputFile)
	}

	return transcript.Export(messages, cfg.OutputDir, f.outputFile, transcriptOptions(cfg)...)
}

// watchFile calls onChange, debounced, every time path is written or
// replaced, until ctx is done. The parent directory is watched so that
// editors saving through a rename are noticed too.
func watchFile(ctx context.Context, path string, debounce time.Duration, onChange func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	var (
		debounceTimer *time.Timer
		running       sync.Mutex
	)
	process := func() {
		running.Lock()
		defer running.Unlock()
		onChange()
	}

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			slog.Debug("File watcher stopped", "path", abs)
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, process)

			slog.Debug("File system event detected", "event", event.Op.String(), "path", event.Name)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

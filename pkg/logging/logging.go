// Package logging configures the process-wide slog logger.
package logging

import (
	"cmp"
	"io"
	"log/slog"
	"strings"

	"github.com/docker/chatlog/pkg/paths"
)

// Setup installs the default logger. Without debug, logs are discarded.
// With debug, they go to a rotating file at path, or to the default debug
// log location when path is empty. The returned closer is nil when no file
// was opened.
func Setup(debug bool, path string) (io.Closer, error) {
	if !debug {
		slog.SetDefault(slog.New(slog.DiscardHandler))
		return nil, nil
	}

	path = cmp.Or(strings.TrimSpace(path), paths.DebugLogFile())
	logFile, err := NewRotatingFile(path)
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return logFile, nil
}

// Fallback logs to w, used when the log file cannot be opened.
func Fallback(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

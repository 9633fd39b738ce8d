// Package browser opens transcripts in the platform's default viewer.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Open hands target to the default viewer without waiting for it. Local
// file paths are converted to file:// URLs first.
func Open(ctx context.Context, target string) error {
	name, args, err := command(runtime.GOOS, Target(target))
	if err != nil {
		return err
	}

	if err := exec.CommandContext(ctx, name, args...).Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}
	return nil
}

func command(goos, target string) (string, []string, error) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", target}, nil
	case "darwin":
		return "open", []string{target}, nil
	case "linux", "freebsd", "openbsd":
		return "xdg-open", []string{target}, nil
	default:
		return "", nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}

// Target returns target unchanged when it already is a URL, and the
// file:// URL of its absolute path otherwise.
func Target(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		abs = target
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	DefaultMaxSize    = 10 << 20
	DefaultMaxBackups = 3
)

// RotatingFile appends to a debug log and moves it aside to path.1 (the
// newest) through path.N once a write would take it past the size limit.
type RotatingFile struct {
	path       string
	maxSize    int64
	maxBackups int

	mu      sync.Mutex
	current *os.File
	written int64
}

type Option func(*RotatingFile)

func WithMaxSize(size int64) Option {
	return func(r *RotatingFile) {
		r.maxSize = size
	}
}

// WithMaxBackups bounds the number of rolled files. Zero truncates the log
// in place.
func WithMaxBackups(count int) Option {
	return func(r *RotatingFile) {
		r.maxBackups = max(count, 0)
	}
}

func NewRotatingFile(path string, opts ...Option) (*RotatingFile, error) {
	r := &RotatingFile{path: path, maxSize: DefaultMaxSize, maxBackups: DefaultMaxBackups}
	for _, opt := range opts {
		opt(r)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if err := r.reopen(); err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return r, nil
}

func (r *RotatingFile) Path() string {
	return r.path
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return 0, fs.ErrClosed
	}
	if r.written > 0 && r.written+int64(len(p)) > r.maxSize {
		// A failed roll keeps writing to the live file.
		if err := r.roll(); err != nil && r.current == nil {
			return 0, err
		}
	}

	n, err := r.current.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	f := r.current
	r.current = nil
	return f.Close()
}

func (r *RotatingFile) reopen() error {
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.current, r.written = f, info.Size()
	return nil
}

// roll closes the live file, shifts the backups and starts a new file. When
// the shift fails the live file is reopened and keeps growing.
func (r *RotatingFile) roll() error {
	if err := r.current.Close(); err != nil {
		r.current = nil
		return err
	}
	r.current = nil

	shiftErr := r.shiftBackups()
	if err := r.reopen(); err != nil {
		return errors.Join(shiftErr, err)
	}
	return shiftErr
}

func (r *RotatingFile) shiftBackups() error {
	if r.maxBackups == 0 {
		return ignoreMissing(os.Truncate(r.path, 0))
	}

	for _, n := range r.backups() {
		if n >= r.maxBackups {
			_ = os.Remove(r.backupName(n))
		}
	}
	for n := r.maxBackups - 1; n >= 1; n-- {
		if err := ignoreMissing(os.Rename(r.backupName(n), r.backupName(n+1))); err != nil {
			return err
		}
	}
	return ignoreMissing(os.Rename(r.path, r.backupName(1)))
}

// backups lists the numbers of the rolled files on disk.
func (r *RotatingFile) backups() []int {
	entries, _ := os.ReadDir(filepath.Dir(r.path))
	prefix := filepath.Base(r.path) + "."

	var numbers []int
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > 0 {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

func (r *RotatingFile) backupName(n int) string {
	return r.path + "." + strconv.Itoa(n)
}

func ignoreMissing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

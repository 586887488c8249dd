package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/fieldlab/internal/config"
)

// Logger appends timestamped lines to .fieldlab/logs/fieldlab.log so
// participants and researchers can inspect load failures after the TUI exits.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
	mirror io.Writer
	clock  func() time.Time
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.FieldlabDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "fieldlab.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{out: f, closer: f, clock: time.Now}, nil
}

// NewWriter logs to an arbitrary writer. The caller owns w.
func NewWriter(w io.Writer) *Logger {
	return &Logger{out: w, clock: time.Now}
}

// SetMirror copies every line to w as well (stderr for verbose CLI runs).
func (l *Logger) SetMirror(w io.Writer) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.mirror = w
	l.mu.Unlock()
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Printf writes a single timestamped line.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := l.clock().Format(time.RFC3339)

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s\n", timestamp, line)
	if l.mirror != nil {
		fmt.Fprintln(l.mirror, line)
	}
}

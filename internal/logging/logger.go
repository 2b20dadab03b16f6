package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/pype/internal/config"
)

// Logger appends timestamped lines to .pype/logs/pype.log so artists and
// TDs can inspect a failed publish after the host session has closed.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	mirror io.Writer
}

// New creates (or reuses) the log file for the current project directory.
func New(projectDir string) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.PypeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	path := filepath.Join(logDir, "pype.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	return &Logger{file: f}, nil
}

// Mirror copies every line to w as well, e.g. stderr for the CLI.
func (l *Logger) Mirror(w io.Writer) *Logger {
	if l != nil {
		l.mu.Lock()
		l.mirror = w
		l.mu.Unlock()
	}
	return l
}

// Close releases the file handle.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Printf writes a single timestamped line to the log file.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	line := fmt.Sprintf(format, args...)
	line = strings.TrimRight(line, "\n")
	timestamp := time.Now().Format(time.RFC3339)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.file, "[%s] %s\n", timestamp, line)
	if l.mirror != nil {
		fmt.Fprintf(l.mirror, "%s\n", line)
	}
}

// Slog returns a structured logger for the long-running servers. Output goes
// to stderr as JSON when json is set, text otherwise.
func Slog(json bool, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Printer adapts a slog.Logger to the Printf interface the pipeline uses.
type Printer struct {
	Log *slog.Logger
}

// Printf implements the Printf-style logger interfaces.
func (p Printer) Printf(format string, args ...any) {
	if p.Log == nil {
		return
	}
	p.Log.Info(strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// Package logging builds the service's structured logger: a level-filtered
// log/slog handler that fans out to a rotating file sink and, outside
// production, to the console, with secrets redacted before emission and
// request context attached by internal/logctx.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ggoodman/cashback-api/internal/logctx"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EnvProduction disables the console sink and error details.
const EnvProduction = "production"

// Config selects sinks and filtering.
type Config struct {
	Level slog.Level
	Env   string

	// File enables the rotating JSON file sink when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	QueueSize  int

	// RedactedKeys extends DefaultRedactedKeys.
	RedactedKeys []string

	// Console overrides the console destination (default os.Stderr).
	Console io.Writer
	// Stdout overrides the production fallback destination used when no
	// file sink is configured (default os.Stdout).
	Stdout io.Writer
}

// Logger is a *slog.Logger that owns its sinks.
type Logger struct {
	*slog.Logger
	file *AsyncWriter
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	red := NewRedactor(cfg.RedactedKeys...)
	hopts := &slog.HandlerOptions{Level: cfg.Level, ReplaceAttr: red.ReplaceAttr}

	var handlers []slog.Handler
	var file *AsyncWriter
	if cfg.File != "" {
		file = NewAsyncWriter(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}, cfg.QueueSize)
		handlers = append(handlers, slog.NewJSONHandler(file, hopts))
	}
	if cfg.Env != EnvProduction {
		console := cfg.Console
		if console == nil {
			console = os.Stderr
		}
		handlers = append(handlers, slog.NewTextHandler(console, hopts))
	}
	if len(handlers) == 0 {
		out := cfg.Stdout
		if out == nil {
			out = os.Stdout
		}
		handlers = append(handlers, slog.NewJSONHandler(out, hopts))
	}

	return &Logger{
		Logger: slog.New(logctx.Handler{Handler: newFanout(handlers...)}),
		file:   file,
	}
}

// Dropped reports records discarded by the file sink's queue.
func (l *Logger) Dropped() uint64 {
	if l.file == nil {
		return 0
	}
	return l.file.Dropped()
}

// Close flushes and closes the file sink.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return l, nil
}

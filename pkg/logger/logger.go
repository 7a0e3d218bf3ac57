// Package logger builds the slog loggers used across evsock: text output with
// short source paths and an instance attribute so logs from several clients
// on different hosts can be told apart.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

// Fields represents structured log fields.
type Fields map[string]any

var (
	defaultLogger atomic.Pointer[slog.Logger]
	// hostname is cached on init.
	hostname string
)

func init() {
	var err error
	hostname, err = os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	defaultLogger.Store(New(os.Stderr, slog.LevelInfo))
}

// New creates a text logger writing to w at the given level, with the
// hostname attached and source paths trimmed to file:line.
func New(w io.Writer, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				if source, ok := a.Value.Any().(*slog.Source); ok {
					source.File = filepath.Base(source.File)
					source.Function = ""
				}
			}
			return a
		},
	}
	return slog.New(slog.NewTextHandler(w, opts)).With("instance", hostname)
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a -log-level flag value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetDefault replaces the package-level logger.
func SetDefault(l *slog.Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the package-level logger.
func Default() *slog.Logger {
	return defaultLogger.Load()
}

// Info logs an info message with optional fields.
func Info(msg string, fields Fields) {
	log(slog.LevelInfo, msg, fields)
}

// Warn logs a warning message with optional fields.
func Warn(msg string, fields Fields) {
	log(slog.LevelWarn, msg, fields)
}

// Error logs an error message with optional fields.
func Error(msg string, err error, fields Fields) {
	attrs := attrsFromFields(fields)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	Default().LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

// Debug logs a debug message with optional fields.
func Debug(msg string, fields Fields) {
	log(slog.LevelDebug, msg, fields)
}

func log(level slog.Level, msg string, fields Fields) {
	Default().LogAttrs(context.Background(), level, msg, attrsFromFields(fields)...)
}

func attrsFromFields(fields Fields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]slog.Attr, 0, len(fields))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

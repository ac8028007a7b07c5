// Package logger wraps log/slog behind a small interface so components can
// take a logger as a dependency and tests can silence it.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is the logging interface used across ember.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New wraps handler.
func New(handler slog.Handler) Logger {
	return slogLogger{l: slog.New(handler)}
}

// Default writes info and above as text to stderr.
func Default() Logger {
	return Text(os.Stderr, slog.LevelInfo)
}

// Nop discards everything. Components use it when no logger is configured.
func Nop() Logger {
	return New(slog.DiscardHandler)
}

// Text uses the logfmt-style slog text handler.
func Text(w io.Writer, level slog.Level) Logger {
	return New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// JSON is meant for machine consumption, e.g. under `ember serve`.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Pretty is the coloured CLI output.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{Level: level}))
}

// ForFormat builds a logger for one of "pretty", "text" or "json".
func ForFormat(format string, w io.Writer, level slog.Level) (Logger, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "pretty":
		return Pretty(w, level), nil
	case "text":
		return Text(w, level), nil
	case "json":
		return JSON(w, level), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want pretty, text or json)", format)
	}
}

type loggerKey struct{}

// FromContext returns the logger stored in ctx, or Default.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return Default()
}

// WithContext stores l in ctx.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}

func (s slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s slogLogger) With(args ...any) Logger {
	return slogLogger{l: s.l.With(args...)}
}

func (s slogLogger) WithGroup(name string) Logger {
	return slogLogger{l: s.l.WithGroup(name)}
}

// ParseLevel maps a level name to slog.Level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

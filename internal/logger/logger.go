// Package logger provides the application's structured logging facade over
// log/slog. Components depend on the Logger interface so tests can discard
// output and alternative backends can be swapped in without touching callers.
package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// LogLevel controls the minimum severity emitted by a logger.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Field is a structured key/value pair attached to a log record.
type Field = slog.Attr

// Logger is the logging interface used throughout the application.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Field constructors. These mirror slog's attr helpers so call sites stay
// terse.

func String(key, value string) Field          { return slog.String(key, value) }
func Int(key string, value int) Field         { return slog.Int(key, value) }
func Int64(key string, value int64) Field     { return slog.Int64(key, value) }
func Uint64(key string, value uint64) Field   { return slog.Uint64(key, value) }
func Float64(key string, value float64) Field { return slog.Float64(key, value) }
func Bool(key string, value bool) Field       { return slog.Bool(key, value) }
func Time(key string, value time.Time) Field  { return slog.Time(key, value) }
func Duration(key string, value time.Duration) Field {
	return slog.Duration(key, value)
}
func Any(key string, value any) Field { return slog.Any(key, value) }

// Error wraps an error under the conventional "error" key. A nil error logs
// as an empty string rather than panicking.
func Error(err error) Field {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

type slogLogger struct {
	l *slog.Logger
}

// NewSlogLogger creates a Logger writing text-formatted records to w at the
// given minimum level. Extra attrs, if any, are attached to every record.
func NewSlogLogger(w io.Writer, level LogLevel, attrs []Field) Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level.slogLevel()})
	l := slog.New(h)
	if len(attrs) > 0 {
		args := make([]any, 0, len(attrs))
		for _, a := range attrs {
			args = append(args, a)
		}
		l = l.With(args...)
	}
	return &slogLogger{l: l}
}

func (s *slogLogger) log(level slog.Level, msg string, fields []Field) {
	s.l.LogAttrs(context.Background(), level, msg, fields...)
}

func (s *slogLogger) Debug(msg string, fields ...Field) { s.log(slog.LevelDebug, msg, fields) }
func (s *slogLogger) Info(msg string, fields ...Field)  { s.log(slog.LevelInfo, msg, fields) }
func (s *slogLogger) Warn(msg string, fields ...Field)  { s.log(slog.LevelWarn, msg, fields) }
func (s *slogLogger) Error(msg string, fields ...Field) { s.log(slog.LevelError, msg, fields) }

func (s *slogLogger) With(fields ...Field) Logger {
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		args = append(args, f)
	}
	return &slogLogger{l: s.l.With(args...)}
}

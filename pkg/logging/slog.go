package logging

import (
	"context"
	"io"
	"log/slog"
	"time"

	console "github.com/phsym/console-slog"
)

// LevelTrace уровень slog для LogLevelTrace, ниже slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// SlogLogger реализация StructuredLogger поверх log/slog.
type SlogLogger struct {
	sl    *slog.Logger
	level *levelVar
}

// NewSlog оборачивает готовый slog.Logger.
func NewSlog(sl *slog.Logger, level LogLevel) *SlogLogger {
	return &SlogLogger{sl: sl, level: newLevelVar(level)}
}

// NewConsole создает человекочитаемый логгер для терминала.
func NewConsole(w io.Writer, level LogLevel, noColor bool) *SlogLogger {
	h := console.NewHandler(w, &console.HandlerOptions{
		Level:      LevelTrace,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	})
	return NewSlog(slog.New(h), level)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelTrace:
		return LevelTrace
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func toAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func (l *SlogLogger) log(ctx context.Context, level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	l.sl.LogAttrs(ctx, toSlogLevel(level), msg, toAttrs(fields)...)
}

func (l *SlogLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelTrace, msg, fields)
}

func (l *SlogLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelDebug, msg, fields)
}

func (l *SlogLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelInfo, msg, fields)
}

func (l *SlogLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelWarn, msg, fields)
}

func (l *SlogLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, fields)
}

func (l *SlogLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	l.log(ctx, LogLevelError, msg, append([]Field{Err(err)}, fields...))
}

func (l *SlogLogger) WithComponent(component string) StructuredLogger {
	return l.WithFields(String(ComponentKey, component))
}

func (l *SlogLogger) WithSession(sessionID string) StructuredLogger {
	return l.WithFields(String(SessionKey, sessionID))
}

func (l *SlogLogger) WithFields(fields ...Field) StructuredLogger {
	args := make([]any, 0, len(fields))
	for _, a := range toAttrs(fields) {
		args = append(args, a)
	}
	return &SlogLogger{sl: l.sl.With(args...), level: l.level}
}

func (l *SlogLogger) SetLevel(level LogLevel) { l.level.store(level) }

func (l *SlogLogger) IsEnabled(level LogLevel) bool { return level >= l.level.load() }

package logging

import (
	"context"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger реализация StructuredLogger поверх zerolog.
type ZerologLogger struct {
	zl    zerolog.Logger
	level *levelVar
}

// NewZerolog оборачивает готовый zerolog.Logger.
func NewZerolog(zl zerolog.Logger, level LogLevel) *ZerologLogger {
	return &ZerologLogger{zl: zl, level: newLevelVar(level)}
}

// NewJSON создает логгер, который пишет JSON строки в w.
func NewJSON(w io.Writer, level LogLevel) *ZerologLogger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return NewZerolog(zl, level)
}

func toZerologLevel(level LogLevel) zerolog.Level {
	switch level {
	case LogLevelTrace:
		return zerolog.TraceLevel
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func (l *ZerologLogger) log(level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}
	e := l.zl.WithLevel(toZerologLevel(level))
	if e == nil {
		return
	}
	for _, f := range fields {
		e = appendField(e, f)
	}
	e.Msg(msg)
}

func appendField(e *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return e.Str(f.Key, v)
	case int:
		return e.Int(f.Key, v)
	case int64:
		return e.Int64(f.Key, v)
	case uint64:
		return e.Uint64(f.Key, v)
	case uint32:
		return e.Uint32(f.Key, v)
	case bool:
		return e.Bool(f.Key, v)
	case time.Duration:
		return e.Dur(f.Key, v)
	case time.Time:
		return e.Time(f.Key, v)
	case error:
		return e.AnErr(f.Key, v)
	case nil:
		return e
	default:
		return e.Interface(f.Key, v)
	}
}

func (l *ZerologLogger) Trace(_ context.Context, msg string, fields ...Field) {
	l.log(LogLevelTrace, msg, fields)
}

func (l *ZerologLogger) Debug(_ context.Context, msg string, fields ...Field) {
	l.log(LogLevelDebug, msg, fields)
}

func (l *ZerologLogger) Info(_ context.Context, msg string, fields ...Field) {
	l.log(LogLevelInfo, msg, fields)
}

func (l *ZerologLogger) Warn(_ context.Context, msg string, fields ...Field) {
	l.log(LogLevelWarn, msg, fields)
}

func (l *ZerologLogger) Error(_ context.Context, msg string, fields ...Field) {
	l.log(LogLevelError, msg, fields)
}

func (l *ZerologLogger) LogError(_ context.Context, err error, msg string, fields ...Field) {
	l.log(LogLevelError, msg, append([]Field{Err(err)}, fields...))
}

func (l *ZerologLogger) WithComponent(component string) StructuredLogger {
	return l.WithFields(String(ComponentKey, component))
}

func (l *ZerologLogger) WithSession(sessionID string) StructuredLogger {
	return l.WithFields(String(SessionKey, sessionID))
}

func (l *ZerologLogger) WithFields(fields ...Field) StructuredLogger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	return &ZerologLogger{zl: ctx.Logger(), level: l.level}
}

func (l *ZerologLogger) SetLevel(level LogLevel) { l.level.store(level) }

func (l *ZerologLogger) IsEnabled(level LogLevel) bool { return level >= l.level.load() }

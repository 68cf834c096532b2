// Package logging содержит структурированный логгер, которым пользуются сессии,
// симулятор и утилита командной строки.
package logging

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// LogLevel уровни логирования
type LogLevel int32

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLevel разбирает имя уровня без учета регистра.
// Неизвестное имя дает LogLevelInfo и false.
func ParseLevel(name string) (LogLevel, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for lvl, n := range logLevelNames {
		if n == name {
			return lvl, true
		}
	}
	return LogLevelInfo, false
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	// Основные методы логирования
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError пишет ошибку на уровне Error вместе с дополнительными полями
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithSession(sessionID string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	// Управление уровнем логирования
	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value any
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Uint64(key string, value uint64) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value any) Field                { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

// Имена служебных полей, которые добавляют WithComponent и WithSession.
const (
	ComponentKey = "component"
	SessionKey   = "session_id"
)

// levelVar общий для логгера и всех его производных уровень.
type levelVar struct {
	v atomic.Int32
}

func newLevelVar(level LogLevel) *levelVar {
	lv := &levelVar{}
	lv.v.Store(int32(level))
	return lv
}

func (lv *levelVar) load() LogLevel       { return LogLevel(lv.v.Load()) }
func (lv *levelVar) store(level LogLevel) { lv.v.Store(int32(level)) }

// nopLogger ничего не пишет.
type nopLogger struct{}

// Nop возвращает логгер, который отбрасывает все записи.
func Nop() StructuredLogger { return nopLogger{} }

func (nopLogger) Trace(context.Context, string, ...Field)           {}
func (nopLogger) Debug(context.Context, string, ...Field)           {}
func (nopLogger) Info(context.Context, string, ...Field)            {}
func (nopLogger) Warn(context.Context, string, ...Field)            {}
func (nopLogger) Error(context.Context, string, ...Field)           {}
func (nopLogger) LogError(context.Context, error, string, ...Field) {}
func (n nopLogger) WithComponent(string) StructuredLogger           { return n }
func (n nopLogger) WithSession(string) StructuredLogger             { return n }
func (n nopLogger) WithFields(...Field) StructuredLogger            { return n }
func (nopLogger) SetLevel(LogLevel)                                 {}
func (nopLogger) IsEnabled(LogLevel) bool                           { return false }

package config

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arzzra/invite_session/pkg/logging"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Writer поток журнала. При заданном file.path это файл с ротацией,
// иначе stderr. Closer закрывает файл.
func (c LogConfig) Writer() (io.Writer, io.Closer) {
	if c.File.Path == "" {
		return os.Stderr, nopCloser{}
	}
	lj := &lumberjack.Logger{
		Filename:   c.File.Path,
		MaxSize:    c.File.MaxSizeMB,
		MaxBackups: c.File.MaxBackups,
		MaxAge:     c.File.MaxAgeDays,
		Compress:   c.File.Compress,
	}
	return lj, lj
}

// NewLogger создает логгер по разделу log. Формат json пишет через
// zerolog, console через slog с цветным выводом.
func (c LogConfig) NewLogger(w io.Writer) logging.StructuredLogger {
	level, _ := logging.ParseLevel(c.Level)
	if c.Format == FormatJSON {
		return logging.NewJSON(w, level)
	}
	// в файл без цвета
	noColor := c.NoColor || c.File.Path != ""
	return logging.NewConsole(w, level, noColor)
}

// Package logger wraps gookit/slog for tumblelog. Logs go to stderr as JSON
// so command output on stdout stays machine readable.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/gookit/slog"
	"github.com/gookit/slog/handler"
)

// Logger is the minimal logger used across the application.
type Logger interface {
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Fields are structured log fields.
type Fields map[string]any

// Log is the global logger. It works at info level before InitFromEnv or
// Init are called.
var Log Logger = NewLogger("info", os.Stderr)

// InitFromEnv sets the global logger level from the environment variable
// envKey, falling back to fallback and then to info.
func InitFromEnv(envKey, fallback string) {
	level := strings.ToLower(os.Getenv(envKey))
	if level == "" {
		level = strings.ToLower(fallback)
	}
	Init(level, os.Stderr)
}

// Init replaces the global logger.
func Init(level string, out io.Writer) {
	if level == "" {
		level = "info"
	}
	Log = NewLogger(level, out)
}

// NewLogger creates a gookit/slog logger writing JSON lines to out.
func NewLogger(level string, out io.Writer) Logger {
	logLevel := slog.LevelByName(level)

	var levels slog.Levels
	for _, lv := range slog.AllLevels {
		if lv <= logLevel {
			levels = append(levels, lv)
		}
	}

	h := handler.NewIOWriterHandler(out, levels)
	formatter := slog.NewJSONFormatter(func(f *slog.JSONFormatter) {
		f.Fields = []string{
			slog.FieldKeyDatetime,
			slog.FieldKeyLevel,
			slog.FieldKeyMessage,
		}
		f.Aliases = slog.StringMap{
			slog.FieldKeyDatetime: "time",
			slog.FieldKeyLevel:    "level",
			slog.FieldKeyMessage:  "msg",
		}
		f.TimeFormat = "2006-01-02T15:04:05Z07:00"
	})
	h.SetFormatter(formatter)

	return slog.NewWithHandlers(h)
}

// InfoWithFields logs msg at info level with structured fields.
func InfoWithFields(msg string, fields Fields) {
	if lg, ok := Log.(*slog.Logger); ok {
		lg.WithFields(slog.M(fields)).Info(msg)
		return
	}
	Log.Info(msg)
}

// DebugWithFields logs msg at debug level with structured fields.
func DebugWithFields(msg string, fields Fields) {
	if lg, ok := Log.(*slog.Logger); ok {
		lg.WithFields(slog.M(fields)).Debug(msg)
		return
	}
	Log.Debug(msg)
}

// WarnWithFields logs msg at warn level with structured fields.
func WarnWithFields(msg string, fields Fields) {
	if lg, ok := Log.(*slog.Logger); ok {
		lg.WithFields(slog.M(fields)).Warn(msg)
		return
	}
	Log.Warn(msg)
}

// ErrorWithFields logs msg at error level with structured fields.
func ErrorWithFields(msg string, fields Fields) {
	if lg, ok := Log.(*slog.Logger); ok {
		lg.WithFields(slog.M(fields)).Error(msg)
		return
	}
	Log.Error(msg)
}

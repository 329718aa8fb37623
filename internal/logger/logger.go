// Package logger provides leveled structured logging on top of zerolog.
package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	nop := zerolog.Nop()
	current.Store(&nop)
}

// Init initializes the default logger with the specified level and format.
// Format "text" selects a human readable console writer, anything else JSON.
func Init(level string, format string) {
	l := New(os.Stderr, level, format)
	current.Store(&l)
}

// New builds a logger writing to w.
func New(w io.Writer, level string, format string) zerolog.Logger {
	if strings.ToLower(format) == "text" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel maps a config level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Set replaces the default logger. Tests use it to capture output.
func Set(l zerolog.Logger) {
	current.Store(&l)
}

// L returns the default logger for structured logging.
func L() *zerolog.Logger {
	return current.Load()
}

// With returns a sub-logger tagged with a component name.
func With(component string) zerolog.Logger {
	return L().With().Str("component", component).Logger()
}

func Debug(format string, args ...interface{}) {
	L().Debug().Msgf(format, args...)
}

func Info(format string, args ...interface{}) {
	L().Info().Msgf(format, args...)
}

func Warn(format string, args ...interface{}) {
	L().Warn().Msgf(format, args...)
}

func Error(format string, args ...interface{}) {
	L().Error().Msgf(format, args...)
}

func Fatal(format string, args ...interface{}) {
	L().WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	os.Exit(1)
}

package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a JSON logger for production use. APP_ENV=dev switches to
// a human readable console writer.
func NewLogger(level string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(os.Getenv("APP_ENV"), "dev") {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return New(w, level)
}

// New builds a logger writing to w. Used directly by tests.
func New(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(levelFromString(level)).With().Timestamp().Caller().Logger()
}

// Component tags every line with the subsystem that produced it.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Nop discards everything.
func Nop() zerolog.Logger { return zerolog.Nop() }

func levelFromString(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

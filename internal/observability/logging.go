package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger returns the service logger tagged with component. Level comes
// from VAULT_LOG_LEVEL (default info). VAULT_LOG_FORMAT=console switches from
// JSON to human-readable output for local runs.
func NewLogger(component string) zerolog.Logger {
	return newLogger(os.Stdout, component, os.Getenv("VAULT_LOG_FORMAT"), ParseLevel(os.Getenv("VAULT_LOG_LEVEL")))
}

func newLogger(w io.Writer, component, format string, level zerolog.Level) zerolog.Logger {
	if strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.StampMicro}
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// WithLevel applies a configured level. An empty or unknown level leaves
// the logger as it is, so VAULT_LOG_LEVEL keeps working without a file.
func WithLevel(log zerolog.Logger, level string) zerolog.Logger {
	if level == "" || os.Getenv("VAULT_LOG_LEVEL") != "" {
		return log
	}
	if _, ok := levels[strings.ToLower(level)]; !ok {
		log.Warn().Str("level", level).Msg("unknown log level, keeping current")
		return log
	}
	return log.Level(ParseLevel(level))
}

var levels = map[string]zerolog.Level{
	"trace": zerolog.TraceLevel,
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	if l, ok := levels[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l
	}
	return zerolog.InfoLevel
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}

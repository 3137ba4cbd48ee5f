package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is attached to every log line and reported by /health.
const ServiceName = "notify-gateway"

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or pretty
	Output io.Writer
}

// NewLogger creates a structured JSON logger, or a console logger when
// Format is "pretty".
//
// Example:
//
//	logger := logging.NewLogger(logging.Config{Level: "info", Format: "json"})
//	logger.Info().Str("component", "server").Msg("Server started")
func NewLogger(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", ServiceName).
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// exit is swapped out in tests.
var exit = os.Exit

// Fatal logs err with a stack trace and terminates the process with status 1.
// The orchestrator is expected to restart the gateway.
func Fatal(logger zerolog.Logger, err error, msg string) {
	logger.WithLevel(zerolog.FatalLevel).
		Err(err).
		Str("stack_trace", string(debug.Stack())).
		Msg(msg)
	exit(1)
}

// FatalOnPanic is deferred at the top of main and of every goroutine the
// gateway starts. A panic anywhere is logged and the process exits with
// status 1; the orchestrator restarts it.
func FatalOnPanic(logger zerolog.Logger, where string) {
	if r := recover(); r != nil {
		LogPanic(logger, where, r)
		exit(1)
	}
}

// LogPanic writes the fatal record for a recovered panic value. Callers that
// own their exit path recover themselves and call this before exiting.
func LogPanic(logger zerolog.Logger, where string, value any) {
	logger.WithLevel(zerolog.FatalLevel).
		Str("where", where).
		Interface("panic_value", value).
		Str("stack_trace", string(debug.Stack())).
		Msg("Unrecovered panic, exiting")
}

package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options holds logger configuration.
type Options struct {
	Level   string // debug, info, warn, error
	Format  string // json, pretty
	Service string // stamped into every line
}

// New creates a structured logger for log-aggregation backends.
// JSON output, RFC3339 timestamps, a fixed service field.
func New(opts Options) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := opts.Service
	if service == "" {
		service = "relayd"
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// RecoverPanic logs a recovered panic with a stack trace and keeps the
// process running. Use as the first defer in every long-lived goroutine.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("Goroutine panic recovered")
	}
}

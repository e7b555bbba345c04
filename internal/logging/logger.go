// Package logging builds the process-wide structured logger.
package logging

import (
	"log/slog"
	"os"
)

// EnvProduction is the environment name that selects production logging
// behavior. Shared with the config package's environment checks.
const EnvProduction = "production"

// componentKey tags every record of a subsystem logger so its lines can
// be filtered out of the interleaved sync output.
const componentKey = "component"

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format at info level, every other environment
// gets human-readable text at debug level.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env == EnvProduction {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// ForComponent derives a subsystem logger carrying a component
// attribute on every record.
func ForComponent(logger *slog.Logger, name string) *slog.Logger {
	return logger.With(slog.String(componentKey, name))
}

// Package telemetry provides structured logging and optional Prometheus
// metrics shared across the provider, consumer, and relay server binaries.
package telemetry

import (
	"log/slog"
	"os"
)

// NewLogger builds the process-wide slog.Logger. level follows slog's
// standard names (debug, info, warn, error); unrecognized values fall
// back to info.
func NewLogger(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

// SetDefault installs a logger at the given level as the slog default,
// the way each netcore entry point configures logging at startup.
func SetDefault(level string) {
	slog.SetDefault(NewLogger(level))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

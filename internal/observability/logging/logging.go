// Package logging configures the client's structured logger, matching the
// teacher's services/keys/internal/observability/logging pattern exactly:
// a slog JSON handler with a leveled var and a couple of always-present
// fields.
package logging

import (
	"log/slog"
	"os"
)

// Config selects the logger's level and the fields every record carries.
type Config struct {
	ServiceName string
	Environment string
	Level       string
}

// NewLogger builds a JSON slog.Logger for the local client process.
func NewLogger(cfg Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.Level {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(
		slog.String("service", cfg.ServiceName),
		slog.String("env", cfg.Environment),
	)
}

// ReasonCode wraps a closed-vocabulary reason code as a slog attribute, so
// every log call touching the error taxonomy in spec §7 carries it
// consistently.
func ReasonCode(code string) slog.Attr {
	return slog.String("reason_code", code)
}

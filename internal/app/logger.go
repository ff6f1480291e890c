package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger with an explicit log level.
// Pretty output is for interactive terminals; otherwise JSON.
func NewLogger(level string, pretty bool) *slog.Logger {
	lvl := parseLogLevel(level)

	var h slog.Handler
	if pretty {
		h = newPrettyHandler(os.Stderr, lvl)
	} else {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}

	log := slog.New(h)
	slog.SetDefault(log)
	return log
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

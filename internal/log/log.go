// Package log provides a minimal factory for structured slog loggers.
package log

import (
	"log/slog"
	"os"
)

// New creates a [slog.Logger] for the named component ("socks", "http",
// "daemon", ...) writing to stderr at the given level (one of "debug",
// "info", "warn", "error"; defaults to info). Front ends write protocol
// bytes to clients, so logs stay off stdout.
func New(component, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: lvl,
	}))
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

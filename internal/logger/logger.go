package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup настраивает глобальный slog-логгер по LOG_LEVEL / ENABLE_CONSOLE_LOGS
func Setup(level string, console bool) *slog.Logger {
	var out io.Writer = os.Stdout
	if !console {
		out = io.Discard
	}

	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

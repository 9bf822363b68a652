package bootstrap

import (
	"log/slog"
	"os"
	"strings"

	"botgpt/internal/config"
)

// NewLogger returns a JSON logger outside dev, text otherwise, and makes it
// the slog default.
func NewLogger(cfg config.AppConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "json") || (cfg.LogFormat == "" && cfg.Env != "dev") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	logger := slog.New(handler).With("app", cfg.Name)
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

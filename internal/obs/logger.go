package obs

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger creates a slog logger with dev-friendly output by default.
func NewLogger(env string) *slog.Logger {
	return NewLoggerTo(os.Stdout, env, slog.LevelInfo)
}

// NewLoggerTo is NewLogger with an explicit destination and level.
func NewLoggerTo(w io.Writer, env string, level slog.Level) *slog.Logger {
	if env == "dev" || env == "local" {
		handler := tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
			AddSource:  true,
		})
		return slog.New(handler)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
	})
	return slog.New(handler)
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// OrDefault returns l, or the process default logger when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New returns a production-friendly JSON logger writing to stdout unless
// format is "console" (or LOG_FORMAT=console is set) to prefer a
// human-readable output. Unknown levels fall back to info.
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

func NewWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if env := os.Getenv("LOG_FORMAT"); env != "" {
		format = env
	}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if format == "console" {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

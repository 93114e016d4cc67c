package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pscheid92/presencepulse/internal/platform/correlation"
)

// InitLogger builds the process logger, installs it as the slog default and returns it.
// level: "debug", "info", "warn", "error" (defaults to "info")
// format: "json" or "text" (defaults to "text")
// instanceID, when set, is attached to every record.
func InitLogger(level, format, instanceID string) *slog.Logger {
	logger := New(os.Stdout, level, format)
	if instanceID != "" {
		logger = logger.With("instance", instanceID)
	}
	slog.SetDefault(logger)
	return logger
}

// New creates a correlation-aware logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(correlation.NewHandler(handler))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

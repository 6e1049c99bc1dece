package runtime

import (
	"io"
	"log/slog"
	"strings"

	"github.com/Derrick-xn/whisper-base-q8-rn/internal/config"
)

// NewLogger builds the process logger from the telemetry section. Unknown
// levels fall back to info.
func NewLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
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

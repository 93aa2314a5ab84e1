package daemonserver

import (
	"io"
	"log/slog"
	"strings"

	"biosign/go-backend/internal/bootstrap/config"
	"biosign/go-backend/internal/platform/privacylog"
)

// NewLogger builds the root logger for cfg. Every handler is wrapped so
// secrets and identifiers are scrubbed before they reach w.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(privacylog.WrapHandler(handler))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

package app

import (
	"log/slog"
	"os"
	"strings"

	"biosign/go-backend/internal/platform/privacylog"
)

func DefaultLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
}

func correlationOrDefault(id string) string {
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		return trimmed
	}
	return "n/a"
}

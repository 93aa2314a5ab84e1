package app

import "strings"

const serviceComponentName = "app"

func (s *Service) logInfo(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", serviceComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", correlationOrDefault(correlationID),
	}
	s.logger.Info(message, append(base, attrs...)...)
}

func (s *Service) logWarn(operation, correlationID, message string, attrs ...any) {
	base := []any{
		"component", serviceComponentName,
		"operation", strings.TrimSpace(operation),
		"correlation_id", correlationOrDefault(correlationID),
	}
	s.logger.Warn(message, append(base, attrs...)...)
}

func (s *Service) recordError(category string, err error, operation, correlationID string, attrs ...any) {
	if err == nil {
		return
	}
	base := []any{
		"component", serviceComponentName,
		"operation", strings.TrimSpace(operation),
		"category", strings.TrimSpace(category),
		"correlation_id", correlationOrDefault(correlationID),
		"error", err.Error(),
	}
	s.logger.Error("service error", append(base, attrs...)...)
}

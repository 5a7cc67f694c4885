package verify

import (
	"log/slog"
)

// Logs a security anomaly at WARN with a 'security' attribute, and counts it. Used for events which should stand out from routine validation failures.
func LogSecurity(logger *slog.Logger, event, msg string, args ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	securityEvents.WithLabelValues(event).Inc()
	logger.Warn(msg, append([]any{"security", event}, args...)...)
}

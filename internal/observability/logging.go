// Package observability provides logging and metrics for kbchat.
package observability

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global logger based on the provided settings.
func SetupLogging(level, format string, output io.Writer) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	zerolog.TimeFieldFormat = time.RFC3339

	if format == "console" || format == "text" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	log.Logger = zerolog.New(output).With().Timestamp().Caller().Logger()
}

// Logger returns a contextualized logger for a component.
func Logger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithCategory adds the category key to logger context.
func WithCategory(logger zerolog.Logger, category string) zerolog.Logger {
	return logger.With().Str("category", category).Logger()
}

// WithRequestID adds request ID to logger context.
func WithRequestID(logger zerolog.Logger, requestID string) zerolog.Logger {
	return logger.With().Str("request_id", requestID).Logger()
}

// Event types for structured logging
const (
	EventFileIndexed        = "kb_file_indexed"
	EventFileSkipped        = "kb_file_skipped"
	EventGlobalMirrorFailed = "kb_global_mirror_failed"
	EventRebuildStarted     = "kb_rebuild_started"
	EventRebuildCompleted   = "kb_rebuild_completed"
	EventIndexDeleted       = "kb_index_deleted"
	EventStoreDegraded      = "kb_store_degraded"
	EventEmbedderRecreated  = "kb_embedder_recreated"
	EventDaemonStarted      = "daemon_started"
	EventDaemonStopped      = "daemon_stopped"
	EventHealthCheck        = "health_check"
)

// LogEvent logs a structured event.
func LogEvent(logger zerolog.Logger, event string, fields map[string]interface{}) {
	e := logger.Info().Str("event", event)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("")
}

// LogWarnEvent logs a structured event at warn level, used for degradations
// the operation survives.
func LogWarnEvent(logger zerolog.Logger, event string, err error, fields map[string]interface{}) {
	e := logger.Warn().Str("event", event)
	if err != nil {
		e = e.Err(err)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg("")
}

// LogError logs an error with context.
func LogError(logger zerolog.Logger, err error, message string, fields map[string]interface{}) {
	e := logger.Error().Err(err)
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(message)
}

// SanitizeForLog removes sensitive data from a map before logging.
func SanitizeForLog(data map[string]interface{}) map[string]interface{} {
	sanitized := make(map[string]interface{})
	sensitiveKeys := map[string]bool{
		"password":       true,
		"redis_password": true,
		"secret":         true,
		"token":          true,
		"api_key":        true,
		"apikey":         true,
	}

	for k, v := range data {
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}

	return sanitized
}

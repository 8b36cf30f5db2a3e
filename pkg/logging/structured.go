package logging

import (
	"context"
	"time"

	"github.com/openchami/oauth2bridge/pkg/errors"
	"github.com/rs/zerolog"
)

// StructuredLogger provides structured logging capabilities
type StructuredLogger struct {
	logger zerolog.Logger
}

// NewStructuredLogger creates a new structured logger
func NewStructuredLogger(component string) *StructuredLogger {
	return &StructuredLogger{logger: GetLogger(component)}
}

// NewStructuredLoggerFromContext creates a structured logger carrying the trace fields of ctx
func NewStructuredLoggerFromContext(ctx context.Context, component string) *StructuredLogger {
	return &StructuredLogger{logger: LoggerFromContextWithComponent(ctx, component)}
}

// Zerolog exposes the underlying logger for middleware that takes a zerolog.Logger
func (l *StructuredLogger) Zerolog() zerolog.Logger {
	return l.logger
}

// WithField adds a field to the logger
func (l *StructuredLogger) WithField(key string, value interface{}) *StructuredLogger {
	return &StructuredLogger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields adds multiple fields to the logger
func (l *StructuredLogger) WithFields(fields map[string]interface{}) *StructuredLogger {
	logger := l.logger.With()
	for key, value := range fields {
		logger = logger.Interface(key, value)
	}
	return &StructuredLogger{logger: logger.Logger()}
}

// WithToken adds the masked form of token
func (l *StructuredLogger) WithToken(token string) *StructuredLogger {
	return &StructuredLogger{logger: l.logger.With().Str("token", MaskToken(token)).Logger()}
}

// WithError adds an error to the logger
func (l *StructuredLogger) WithError(err error) *StructuredLogger {
	logger := l.logger.With().Err(err)

	if bErr, ok := errors.As(err); ok {
		logger = logger.
			Str("error_code", string(bErr.Code)).
			Int("http_status", bErr.HTTPStatus)

		if bErr.TraceID != "" {
			logger = logger.Str("error_trace_id", bErr.TraceID)
		}
		for key, value := range bErr.Details {
			logger = logger.Interface("error_"+key, value)
		}
	}

	return &StructuredLogger{logger: logger.Logger()}
}

// WithDuration adds a duration to the logger
func (l *StructuredLogger) WithDuration(duration time.Duration) *StructuredLogger {
	return &StructuredLogger{logger: l.logger.With().Dur("duration", duration).Logger()}
}

// Debug logs a debug message
func (l *StructuredLogger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message
func (l *StructuredLogger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Infof logs a formatted info message
func (l *StructuredLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Warn logs a warning message
func (l *StructuredLogger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message
func (l *StructuredLogger) Error(msg string) {
	l.logger.Error().Msg(msg)
}

// LogOperation logs the outcome and duration of fn
func (l *StructuredLogger) LogOperation(operation string, fn func() error) error {
	start := time.Now()
	l.logger.Debug().Str("operation", operation).Msg("operation started")

	err := fn()

	logger := l.logger.With().
		Str("operation", operation).
		Dur("duration", time.Since(start)).
		Logger()
	if err != nil {
		logger.Err(err).Msg("operation failed")
	} else {
		logger.Debug().Msg("operation completed")
	}
	return err
}

// LogUpstreamCall logs a completed call to an upstream endpoint
func (l *StructuredLogger) LogUpstreamCall(kind, method, target string, statusCode int, duration time.Duration) {
	event := l.logger.Info()
	if statusCode >= 500 {
		event = l.logger.Warn()
	}
	event.
		Str("upstream", kind).
		Str("method", method).
		Str("target", target).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("upstream call")
}

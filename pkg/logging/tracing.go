package logging

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TraceIDKey is the context key for trace ID
type TraceIDKey struct{}

// CorrelationIDKey is the context key for correlation ID
type CorrelationIDKey struct{}

// SubjectKey is the context key for the authenticated subject
type SubjectKey struct{}

// GenerateTraceID generates a random trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey{}, traceID)
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey{}, correlationID)
}

// WithSubject records the authenticated subject for log enrichment
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey{}, subject)
}

// GetTraceID extracts the trace ID from the context
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// GetCorrelationID extracts the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	if correlationID, ok := ctx.Value(CorrelationIDKey{}).(string); ok {
		return correlationID
	}
	return ""
}

// GetSubject extracts the authenticated subject from the context
func GetSubject(ctx context.Context) string {
	if subject, ok := ctx.Value(SubjectKey{}).(string); ok {
		return subject
	}
	return ""
}

// LoggerFromContext returns a logger with tracing information from the context
func LoggerFromContext(ctx context.Context) zerolog.Logger {
	logctx := log.Logger.With()

	if traceID := GetTraceID(ctx); traceID != "" {
		logctx = logctx.Str("trace_id", traceID)
	}
	if correlationID := GetCorrelationID(ctx); correlationID != "" {
		logctx = logctx.Str("correlation_id", correlationID)
	}
	if subject := GetSubject(ctx); subject != "" {
		logctx = logctx.Str("subject", subject)
	}

	return logctx.Logger()
}

// LoggerFromContextWithComponent returns a logger with tracing information and component
func LoggerFromContextWithComponent(ctx context.Context, component string) zerolog.Logger {
	return LoggerFromContext(ctx).With().Str("component", component).Logger()
}

// ExtractTraceInfoFromRequest extracts tracing information from HTTP headers
func ExtractTraceInfoFromRequest(r *http.Request) (traceID, correlationID string) {
	traceID = r.Header.Get("X-Trace-ID")
	if traceID == "" {
		traceID = r.Header.Get("X-Request-ID")
	}

	correlationID = r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = r.Header.Get("X-Request-ID")
	}

	if traceID == "" {
		traceID = GenerateTraceID()
	}
	if correlationID == "" {
		correlationID = traceID
	}

	return traceID, correlationID
}

// Middleware adds trace and correlation ids to the request context and response headers
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID, correlationID := ExtractTraceInfoFromRequest(r)
		ctx := WithCorrelationID(WithTraceID(r.Context(), traceID), correlationID)

		w.Header().Set("X-Trace-ID", traceID)
		w.Header().Set("X-Correlation-ID", correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across grimoire.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldGuildID   = "guild_id"
	FieldRequestID = "request_id"

	// Resolution
	FieldCategory = "category"
	FieldSource   = "source"
	FieldLevel    = "level"
	FieldReason   = "reason"

	// Components
	FieldComponent = "component"
	FieldOperation = "operation"

	// Remote content
	FieldPath     = "path"
	FieldBranch   = "branch"
	FieldCacheKey = "cache_key"
	FieldHash     = "content_hash"
	FieldSchema   = "schema_version"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldRetryAfter = "retry_after"
	FieldAttempt    = "attempt"

	// Errors
	FieldError    = "error"
	FieldOutcome  = "outcome"
	FieldSecurity = "security"

	// Counts and sizes
	FieldCount = "count"
	FieldSize  = "size"

	// Network
	FieldAddress = "address"
	FieldHost    = "host"
	FieldStatus  = "status"

	// Symbol marks the subsystem glyph (✶, ⇣, ⊞, etc.)
	FieldSymbol = "symbol"
)

// Context keys for propagating logging context
type contextKey string

const (
	guildIDKey   contextKey = "logger_guild_id"
	requestIDKey contextKey = "logger_request_id"
	componentKey contextKey = "logger_component"
)

// WithGuildID adds a guild ID to the context for logging
func WithGuildID(ctx context.Context, guildID string) context.Context {
	return context.WithValue(ctx, guildIDKey, guildID)
}

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if guildID, ok := ctx.Value(guildIDKey).(string); ok && guildID != "" {
		fields = append(fields, FieldGuildID, guildID)
	}
	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
//
// Example:
//
//	type Chain struct {
//	    logger *zap.SugaredLogger
//	}
//
//	func NewChain() *Chain {
//	    return &Chain{
//	        logger: logger.ComponentLogger("prompt.chain"),
//	    }
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

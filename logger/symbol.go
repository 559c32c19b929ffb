package logger

import (
	"github.com/teranos/grimoire/sym"
)

// Symbol-aware logging helpers.
// These functions log with the symbol as a structured field, not in the message.
//
// Usage:
//
//	// Instead of:
//	logger.Infow(sym.Fetch + " Fetched file", "path", path)
//
//	// Use:
//	logger.FetchInfow("Fetched file", "path", path)
//
// This makes logs queryable by symbol and keeps messages clean.

// ResolveInfow logs an info message with the resolver symbol (✶)
func ResolveInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Resolve}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// FetchDebugw logs a debug message with the fetch symbol (⇣)
func FetchDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Fetch}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// FetchWarnw logs a warning message with the fetch symbol (⇣)
func FetchWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Fetch}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// CacheDebugw logs a debug message with the cache symbol (⊞)
func CacheDebugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Cache}, keysAndValues...)
		Logger.Debugw(msg, fields...)
	}
}

// GuardWarnw logs a warning message with the validator symbol (⊘)
func GuardWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Guard}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

// FallbackInfow logs an info message with the fallback symbol (↯)
func FallbackInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Fallback}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// RefreshInfow logs an info message with the refresh symbol (꩜)
func RefreshInfow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Refresh}, keysAndValues...)
		Logger.Infow(msg, fields...)
	}
}

// RefreshWarnw logs a warning message with the refresh symbol (꩜)
func RefreshWarnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		fields := append([]interface{}{FieldSymbol, sym.Refresh}, keysAndValues...)
		Logger.Warnw(msg, fields...)
	}
}

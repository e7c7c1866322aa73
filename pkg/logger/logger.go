// Package logger provides the process-wide logging capability for apibridge.
//
// It is a thin shim over log/slog with a package-level singleton so that
// deeply nested components do not need a logger injected. Components that
// want structured injection can call [Get].
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// singleton is the package-level logger created by Initialize.
// Accessed atomically to be safe for concurrent use across goroutines.
var singleton atomic.Pointer[slog.Logger]

func init() {
	// Set a default logger so callers that skip Initialize() don't panic.
	singleton.Store(newLogger("INFO", "console"))
}

// Initialize configures the singleton from LOG_LEVEL and LOG_FORMAT.
// LOG_LEVEL is one of DEBUG, INFO, WARN, ERROR, SILENT (default INFO).
// LOG_FORMAT is console or json (default console).
func Initialize(level, format string) {
	singleton.Store(newLogger(level, format))
}

// Get returns the underlying *slog.Logger for injection into structs.
func Get() *slog.Logger {
	return singleton.Load()
}

// Set replaces the singleton logger. Intended for tests that capture output;
// production code should use Initialize instead.
func Set(l *slog.Logger) {
	singleton.Store(l)
}

func newLogger(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(&redactingHandler{inner: handler})
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	case "SILENT":
		// Above any level slog emits.
		return slog.Level(127)
	default:
		return slog.LevelInfo
	}
}

func get() *slog.Logger {
	return singleton.Load()
}

// Debug logs a message at debug level.
func Debug(msg string) {
	get().Debug(msg)
}

// Debugf logs a formatted message at debug level.
func Debugf(msg string, args ...any) {
	get().Debug(fmt.Sprintf(msg, args...))
}

// Debugw logs a message at debug level with additional key-value pairs.
func Debugw(msg string, keysAndValues ...any) {
	get().Debug(msg, keysAndValues...)
}

// Info logs a message at info level.
func Info(msg string) {
	get().Info(msg)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	get().Info(fmt.Sprintf(msg, args...))
}

// Infow logs a message at info level with additional key-value pairs.
func Infow(msg string, keysAndValues ...any) {
	get().Info(msg, keysAndValues...)
}

// Warn logs a message at warning level.
func Warn(msg string) {
	get().Warn(msg)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	get().Warn(fmt.Sprintf(msg, args...))
}

// Warnw logs a message at warning level with additional key-value pairs.
func Warnw(msg string, keysAndValues ...any) {
	get().Warn(msg, keysAndValues...)
}

// Error logs a message at error level.
func Error(msg string) {
	get().Error(msg)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	get().Error(fmt.Sprintf(msg, args...))
}

// Errorw logs a message at error level with additional key-value pairs.
func Errorw(msg string, keysAndValues ...any) {
	get().Error(msg, keysAndValues...)
}

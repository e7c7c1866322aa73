package logger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Redacted is the placeholder written in place of registered secrets.
const Redacted = "[REDACTED]"

var (
	secretsMu sync.RWMutex
	secrets   []string
)

// RegisterSecret records a secret value that must never appear in log output.
// Every string attribute and message is scrubbed before emission. Empty
// values are ignored.
func RegisterSecret(value string) {
	if value == "" {
		return
	}
	secretsMu.Lock()
	defer secretsMu.Unlock()
	for _, s := range secrets {
		if s == value {
			return
		}
	}
	secrets = append(secrets, value)
}

// ResetSecrets clears all registered secrets. Test use only.
func ResetSecrets() {
	secretsMu.Lock()
	secrets = nil
	secretsMu.Unlock()
}

func scrub(s string) string {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	for _, secret := range secrets {
		if strings.Contains(s, secret) {
			s = strings.ReplaceAll(s, secret, Redacted)
		}
	}
	return s
}

// redactingHandler scrubs registered secrets from messages and string
// attribute values, including attributes nested in groups.
type redactingHandler struct {
	inner slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, scrub(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(scrubAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = scrubAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name)}
}

func scrubAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, ga := range group {
			scrubbed = append(scrubbed, scrubAttr(ga))
		}
		return slog.Group(a.Key, scrubbed...)
	default:
		return a
	}
}

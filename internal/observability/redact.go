package observability

// Package observability carries the logging and metrics support for the
// client: a slog handler that redacts secret-bearing attributes at record
// construction time, and a StatsD metrics sink.

import (
	"context"
	"log/slog"
	"strings"
)

// redactedValue replaces the value of any sensitive attribute.
const redactedValue = "[REDACTED]"

// sensitiveKeys are attribute names whose values never reach a log sink in
// clear text. Matching is case-insensitive on the normalized key (dashes
// and underscores stripped), so "stateToken", "state_token", and
// "STATE-TOKEN" all redact.
var sensitiveKeys = map[string]bool{
	"token":        true,
	"accesstoken":  true,
	"refreshtoken": true,
	"idtoken":      true,
	"servicetoken": true,
	"secret":       true,
	"clientsecret": true,
	"password":     true,
	"code":         true,
	"otp":          true,
	"statetoken":   true,
	"statehandle":  true,
	"samlresponse": true,
	"assertion":    true,
	"cookie":       true,
	"authorization": true,
}

// RedactingHandler wraps a slog.Handler and redacts sensitive attribute
// values before they are handled. Redaction happens at the point of record
// construction, not by string substitution after formatting, so a secret
// never exists in a formatted log line.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with redaction.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler, rewriting sensitive attributes.
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler.
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = redactAttr(attr)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(redacted)}
}

// WithGroup implements slog.Handler.
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		redacted := make([]slog.Attr, len(members))
		for i, member := range members {
			redacted[i] = redactAttr(member)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(redacted...)}
	}
	if isSensitiveKey(attr.Key) {
		return slog.String(attr.Key, redactedValue)
	}
	return attr
}

func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.ReplaceAll(normalized, "_", "")
	normalized = strings.ReplaceAll(normalized, "-", "")
	return sensitiveKeys[normalized]
}

// Package telemetry wires structured logging, metrics, and tracing for the
// distributed execution core. Logging uses log/slog for structured,
// leveled output. Metrics and tracing wrap prometheus/client_golang and
// go.opentelemetry.io/otel respectively.
package telemetry

import (
	"context"
	"log/slog"
	"os"
)

// sensitiveKeys is the fixed vocabulary of log-attribute keys whose values
// must never appear verbatim in emitted logs. Matching is case-insensitive
// and matches on substring.
var sensitiveKeys = []string{
	"password",
	"api_key",
	"apikey",
	"secret",
	"token",
	"authorization",
	"private_key",
	"credential",
	"client_secret",
}

const redactedValue = "***REDACTED***"

// RedactingHandler wraps an slog.Handler and masks attribute values whose
// key matches the sensitive-key vocabulary before they reach the
// underlying handler.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next with sensitive-key masking.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redactedValue)
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := toLower(key)
	for _, s := range sensitiveKeys {
		if contains(lower, s) {
			return true
		}
	}
	return false
}

// toLower/contains avoid pulling in strings for two trivial helpers used on
// a hot logging path; kept tiny and allocation-free for short keys.
func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func contains(haystack, needle string) bool {
	if len(needle) == 0 {
		return true
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// NewLogger builds the process-wide structured logger: JSON output to
// stdout, wrapped in RedactingHandler so every record is masked before
// it is written, for any log record emitted by the engine.
func NewLogger(level slog.Level) *slog.Logger {
	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(NewRedactingHandler(base))
}

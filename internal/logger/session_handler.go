package logger

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// redacted replaces values of attributes that may carry credentials
const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys never written in clear
var sensitiveKeys = map[string]bool{
	"password":      true,
	"access":        true,
	"refresh":       true,
	"access_token":  true,
	"refresh_token": true,
	"authorization": true,
}

// sessionHandler adds trace_id and span_id from the active span and masks credential attributes
type sessionHandler struct {
	slog.Handler
}

func newSessionHandler(inner slog.Handler) slog.Handler {
	return sessionHandler{Handler: inner}
}

func (h sessionHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(mask(a))
		return true
	})

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, out)
}

func (h sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = mask(a)
	}
	return sessionHandler{Handler: h.Handler.WithAttrs(masked)}
}

func (h sessionHandler) WithGroup(name string) slog.Handler {
	return sessionHandler{Handler: h.Handler.WithGroup(name)}
}

func mask(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

package logging

import (
	"context"
	"log/slog"
)

// FieldSessionID is the standardized structured logging key for node run session identifiers.
const FieldSessionID = "session_id"

// scopeHandler appends fixed attributes after every record's own attributes,
// so they stay at the top level even inside groups.
type scopeHandler struct {
	base  slog.Handler
	attrs []slog.Attr
}

func newScopeHandler(base slog.Handler, attrs ...slog.Attr) slog.Handler {
	if base == nil {
		return NoopHandler{}
	}
	return &scopeHandler{base: base, attrs: attrs}
}

func (h *scopeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *scopeHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(h.attrs...)
	return h.base.Handle(ctx, record)
}

func (h *scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &scopeHandler{base: h.base.WithAttrs(attrs), attrs: h.attrs}
}

func (h *scopeHandler) WithGroup(name string) slog.Handler {
	return &scopeHandler{base: h.base.WithGroup(name), attrs: h.attrs}
}

// WithSession returns a logger whose records all carry the given node session id.
func WithSession(logger *slog.Logger, sessionID string) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	if sessionID == "" {
		return logger
	}
	return slog.New(newScopeHandler(logger.Handler(), slog.String(FieldSessionID, sessionID)))
}

// WithClient returns a logger scoped to one connected control client.
func WithClient(logger *slog.Logger, clientID, transport string) *slog.Logger {
	if logger == nil {
		return NewNop()
	}
	return slog.New(newScopeHandler(logger.Handler(),
		slog.String(FieldClientID, clientID),
		slog.String(FieldTransport, transport),
	))
}

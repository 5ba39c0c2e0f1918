package logger

import (
	"context"
	"log/slog"
)

type ctxKey string

const sessionFieldsKey ctxKey = "logger_session_fields"

// SessionFields are the identifying attributes stamped onto every log
// record emitted while handling one mapping session, mirroring the
// per-call context the original session_logger.py carried on its
// SessionLogger instance.
type SessionFields struct {
	SessionID    string
	TenantID     string
	UserID       string
	ActivityType string
}

// WithSessionFields attaches session identity to ctx so that any logger
// obtained via FromContext includes it automatically.
func WithSessionFields(ctx context.Context, f SessionFields) context.Context {
	return context.WithValue(ctx, sessionFieldsKey, f)
}

func sessionFieldsFromContext(ctx context.Context) (SessionFields, bool) {
	f, ok := ctx.Value(sessionFieldsKey).(SessionFields)
	return f, ok
}

// FromContext returns the process logger with session-identity attributes
// pre-bound, if any were attached via WithSessionFields.
func FromContext(ctx context.Context) *slog.Logger {
	base := GetLogger()
	f, ok := sessionFieldsFromContext(ctx)
	if !ok {
		return base
	}
	attrs := []any{}
	if f.SessionID != "" {
		attrs = append(attrs, "session_id", f.SessionID)
	}
	if f.TenantID != "" {
		attrs = append(attrs, "tenant_id", f.TenantID)
	}
	if f.UserID != "" {
		attrs = append(attrs, "user_id", f.UserID)
	}
	if f.ActivityType != "" {
		attrs = append(attrs, "activity_type", f.ActivityType)
	}
	return base.With(attrs...)
}

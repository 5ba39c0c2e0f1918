package logger

import (
	"context"
	"log/slog"
	"regexp"
)

// scrubPattern is one secret-shaped pattern and its redaction.
type scrubPattern struct {
	re          *regexp.Regexp
	replacement string
}

// scrubPatterns mirrors the original system's log_sanitizer.SCRUB_PATTERNS
// exactly: Anthropic keys, generic api keys, passwords in plain and
// JSON-quoted form, and AWS access/secret keys.
var scrubPatterns = []scrubPattern{
	{regexp.MustCompile(`(?i)sk-ant-api\d{2}-[A-Za-z0-9\-_]{20,}`), "sk-ant-***REDACTED***"},
	{regexp.MustCompile(`(?i)api[_-]?key["\s:=]+["']?[A-Za-z0-9\-_]{20,}["']?`), "api_key=***REDACTED***"},
	{regexp.MustCompile(`(?i)password["\s:=]+["']?[^"'\s,}\]]{3,}["']?`), "password=***REDACTED***"},
	{regexp.MustCompile(`(?i)"password"\s*:\s*"[^"]{3,}"`), `"password": "***REDACTED***"`},
	{regexp.MustCompile(`AKIA[A-Z0-9]{16}`), "AKIA***REDACTED***"},
	{regexp.MustCompile(`(?i)aws[_-]?secret[_-]?access[_-]?key["\s:=]+["']?[A-Za-z0-9/+=]{20,}["']?`), "aws_secret=***REDACTED***"},
}

// Sanitize scrubs secret-shaped substrings out of text. Exported so the
// same scrubbing can be applied to values that never pass through slog,
// such as error messages surfaced to users.
func Sanitize(text string) string {
	if text == "" {
		return text
	}
	result := text
	for _, p := range scrubPatterns {
		result = p.re.ReplaceAllString(result, p.replacement)
	}
	return result
}

// sanitizingHandler wraps another handler and scrubs the message and every
// string-valued attribute before delegating. It runs unconditionally,
// independent of level or any tenant's debug-mode flag: sanitization is
// not something a tenant can opt out of.
type sanitizingHandler struct {
	next slog.Handler
}

func newSanitizingHandler(next slog.Handler) slog.Handler {
	return &sanitizingHandler{next: next}
}

func (h *sanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *sanitizingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, Sanitize(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Sanitize(a.Value.String()))
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		scrubbed := make([]slog.Attr, len(group))
		for i, ga := range group {
			scrubbed[i] = sanitizeAttr(ga)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(scrubbed...)}
	}
	return a
}

func (h *sanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		scrubbed[i] = sanitizeAttr(a)
	}
	return &sanitizingHandler{next: h.next.WithAttrs(scrubbed)}
}

func (h *sanitizingHandler) WithGroup(name string) slog.Handler {
	return &sanitizingHandler{next: h.next.WithGroup(name)}
}

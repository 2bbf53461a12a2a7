package log

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// LevelTrace sits below debug and carries Tor's own log lines.
const LevelTrace = slog.Level(-8)

// MaskValue replaces sensitive values.
const MaskValue = "***REDACTED***"

// sensitiveKeys are attribute keys that are always masked.
var sensitiveKeys = map[string]bool{
	"password":                 true,
	"passwd":                   true,
	"hashedcontrolpassword":    true,
	"control_password":         true,
	"cookie":                   true,
	"control_cookie":           true,
	"authorization":            true,
	"proxy-authorization":      true,
	"token":                    true,
	"validation_token":         true,
	"x-onion-validation-token": true,
	"private_key":              true,
	"privatekey":               true,
	"secret_key":               true,
	"hs_ed25519_secret_key":    true,
	"key_blob":                 true,
	"onion_key":                true,
}

// sensitiveKeywords mask any key containing them. A bare "key" is left out
// because it matches harmless names like "key_type".
var sensitiveKeywords = []string{
	"password", "passwd", "secret", "token", "cookie", "credential", "private",
}

// sensitivePatterns mask string values regardless of key.
var sensitivePatterns = []*regexp.Regexp{
	// ADD_ONION / ONION_CLIENT_AUTH key blobs.
	regexp.MustCompile(`(?i)\bED25519-V3:[A-Za-z0-9+/=]{40,}`),
	regexp.MustCompile(`(?i)\bRSA1024:[A-Za-z0-9+/=]{40,}`),
	// On-disk hidden service secret key header.
	regexp.MustCompile(`== ed25519v1-secret:`),
	// Control port cookie as sent by AUTHENTICATE.
	regexp.MustCompile(`(?i)^[0-9a-f]{64}$`),
	regexp.MustCompile(`(?i)\bAUTHENTICATE\s+\S+`),
	// HashedControlPassword output.
	regexp.MustCompile(`^16:[0-9A-F]{58}$`),
	regexp.MustCompile(`(?i)-----BEGIN.*(PRIVATE|SECRET).*KEY-----`),
}

// SecureHandler wraps an slog.Handler and masks control credentials and
// onion service keys before records reach the wrapped handler.
type SecureHandler struct {
	handler slog.Handler
}

// NewSecureHandler wraps handler. A nil handler wraps slog.Default().Handler().
func NewSecureHandler(handler slog.Handler) *SecureHandler {
	if handler == nil {
		handler = slog.Default().Handler()
	}
	return &SecureHandler{handler: handler}
}

// Enabled delegates to the wrapped handler.
func (h *SecureHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle masks the record's attributes and forwards it.
func (h *SecureHandler) Handle(ctx context.Context, r slog.Record) error {
	msg := r.Message
	if isSensitiveValue(msg) {
		msg = maskInline(msg)
	}
	out := slog.NewRecord(r.Time, r.Level, msg, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(sanitizeAttr(a))
		return true
	})
	return h.handler.Handle(ctx, out)
}

// WithAttrs masks attrs before attaching them.
func (h *SecureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = sanitizeAttr(a)
	}
	return &SecureHandler{handler: h.handler.WithAttrs(masked)}
}

// WithGroup returns a handler that nests attributes under name.
func (h *SecureHandler) WithGroup(name string) slog.Handler {
	return &SecureHandler{handler: h.handler.WithGroup(name)}
}

func sanitizeAttr(a slog.Attr) slog.Attr {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]slog.Attr, len(group))
		for i, g := range group {
			masked[i] = sanitizeAttr(g)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(masked...)}
	}

	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, MaskValue)
	}
	if a.Value.Kind() == slog.KindString {
		if v := a.Value.String(); isSensitiveValue(v) {
			return slog.String(a.Key, maskInline(v))
		}
	}
	return a
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(key)
	if sensitiveKeys[key] {
		return true
	}
	for _, kw := range sensitiveKeywords {
		if strings.Contains(key, kw) {
			return true
		}
	}
	return false
}

func isSensitiveValue(value string) bool {
	for _, p := range sensitivePatterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

// maskInline replaces every sensitive match inside value, keeping the rest
// of a Tor log line readable.
func maskInline(value string) string {
	for _, p := range sensitivePatterns {
		value = p.ReplaceAllString(value, MaskValue)
	}
	return value
}

// NewLogger builds a masking logger writing text, or JSON when json is set.
// Records below level are dropped; LevelTrace is printed as TRACE.
func NewLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: renameTrace,
	}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(NewSecureHandler(handler))
}

// Level maps the CLI verbosity flags to a level. trace wins over verbose.
func Level(verbose, trace bool) slog.Level {
	switch {
	case trace:
		return LevelTrace
	case verbose:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func renameTrace(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 || a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
		return slog.String(slog.LevelKey, "TRACE")
	}
	return a
}

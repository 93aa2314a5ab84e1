// Package privacylog wraps slog handlers so that secrets never reach the log
// and key identifiers are replaced by per-boot fingerprints. Session and
// request identifiers stay readable so a prompt can be followed from the RPC
// request that opened it to the verdict that closed it.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type action uint8

const (
	keep action = iota
	redact
	fingerprint
)

const (
	rpcTokenPrefix    = "rpc_"
	rpcTokenMinLength = len(rpcTokenPrefix) + 32
	keyIDPrefix       = "bk1_"
)

var (
	bootNonce = rand.Text()

	// traceKeys win over every other rule.
	traceKeys = map[string]struct{}{
		"correlation_id": {},
		"session_id":     {},
		"request_id":     {},
		"component":      {},
		"operation":      {},
	}
	fingerprintKeys = map[string]struct{}{
		"key_id":    {},
		"challenge": {},
		"client_id": {},
		"finger":    {},
	}
	secretKeyParts = []string{
		"token", "secret", "password", "passphrase", "passcode", "mnemonic",
		"authorization", "payload", "signature", "private",
	}
)

type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAttrs(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the field policy to one attribute. The key decides
// first; a readable key can still be caught by its value, as with an RPC
// token or key id logged under a generic name.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAttrs(value.Group())...)}
	}
	switch policyFor(key, value) {
	case redact:
		return slog.String(key, redactedValue)
	case fingerprint:
		return slog.String(fingerprintKeyName(key), FingerprintID(value.String()))
	default:
		return slog.Attr{Key: key, Value: value}
	}
}

// FingerprintID maps an identifier to a value that is stable for this
// process and meaningless after a restart.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func policyFor(key string, value slog.Value) action {
	lower := strings.ToLower(key)
	if _, ok := traceKeys[lower]; ok {
		return keep
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return fingerprint
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	if value.Kind() != slog.KindString {
		return keep
	}
	switch v := strings.TrimSpace(value.String()); {
	case strings.HasPrefix(v, rpcTokenPrefix) && len(v) >= rpcTokenMinLength:
		return redact
	case strings.HasPrefix(v, keyIDPrefix):
		return fingerprint
	default:
		return keep
	}
}

func sanitizeAttrs(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// maskLicenseKey keeps the first and last four characters of a key.
func maskLicenseKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

// MaskLicenseKey is the exported form of maskLicenseKey for callers that
// print keys.
func MaskLicenseKey(key string) string { return maskLicenseKey(key) }

// hashLicenseKey returns a short digest that correlates log lines for one
// key without revealing it.
func hashLicenseKey(key string) string {
	if key == "" {
		return ""
	}
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])[:16]
}

func keyAttrs(key string) []slog.Attr {
	return []slog.Attr{
		slog.String("license_key_masked", maskLicenseKey(key)),
		slog.String("license_key_hash", hashLicenseKey(key)),
	}
}

// logAction writes one structured line and mirrors it as a span event.
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, action, result string, attrs ...slog.Attr) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent("license." + action)
	}
	all := append([]slog.Attr{slog.String("action", action)}, attrs...)
	logger.LogAttrs(ctx, level, result, all...)
}

func resultAttrs(res ValidationResult) []slog.Attr {
	attrs := []slog.Attr{
		slog.Bool("valid", res.Valid),
		slog.Bool("from_cache", res.FromCache),
	}
	if res.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", res.ErrorCode))
	}
	if res.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", res.RequestID))
	}
	return attrs
}

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "authme/internal/errors"
	"authme/internal/license"
)

// LicenseKeyHeader carries the license key when the default key function
// is used.
const LicenseKeyHeader = "X-License-Key"

// ErrCodeLicenseKeyRequired is rendered when a request carries no key.
const ErrCodeLicenseKeyRequired = "LICENSE_KEY_REQUIRED"

// KeyFunc extracts the license key from a request.
type KeyFunc func(r *http.Request) string

// HeaderKey reads the key from the named header.
func HeaderKey(name string) KeyFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// BearerKey reads the key from an "Authorization: License <key>" header.
func BearerKey(r *http.Request) string {
	scheme, key, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "license") {
		return ""
	}
	return strings.TrimSpace(key)
}

type resultKey struct{}

// ResultFromContext returns the validation result stored by LicenseGate.
func ResultFromContext(ctx context.Context) (license.ValidationResult, bool) {
	res, ok := ctx.Value(resultKey{}).(license.ValidationResult)
	return res, ok
}

// LicenseGate rejects requests that do not carry a valid license key.
// Results come from the license client, so its cache and miss coalescing
// apply to every gated request.
type LicenseGate struct {
	validator       Validator
	logger          *slog.Logger
	tracer          trace.Tracer
	keyFunc         KeyFunc
	excludePaths    map[string]struct{}
	excludePrefixes []string
}

// GateOption configures a LicenseGate.
type GateOption func(*LicenseGate)

// WithKeyFunc replaces the default X-License-Key lookup.
func WithKeyFunc(fn KeyFunc) GateOption {
	return func(g *LicenseGate) { g.keyFunc = fn }
}

// WithExcludedPaths lets exact paths through without a key.
func WithExcludedPaths(paths ...string) GateOption {
	return func(g *LicenseGate) {
		for _, p := range paths {
			g.excludePaths[p] = struct{}{}
		}
	}
}

// WithExcludedPrefixes lets every path under the prefixes through.
func WithExcludedPrefixes(prefixes ...string) GateOption {
	return func(g *LicenseGate) { g.excludePrefixes = append(g.excludePrefixes, prefixes...) }
}

// WithGateTracer sets the tracer used for gate spans.
func WithGateTracer(tracer trace.Tracer) GateOption {
	return func(g *LicenseGate) { g.tracer = tracer }
}

// NewLicenseGate creates a gate backed by validator.
func NewLicenseGate(validator Validator, logger *slog.Logger, opts ...GateOption) *LicenseGate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &LicenseGate{
		validator:    validator,
		logger:       logger.With(slog.String("component", "license_gate")),
		tracer:       otel.Tracer("authme/middleware"),
		keyFunc:      HeaderKey(LicenseKeyHeader),
		excludePaths: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *LicenseGate) excluded(path string) bool {
	if _, ok := g.excludePaths[path]; ok {
		return true
	}
	for _, prefix := range g.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Handler returns the gating middleware.
func (g *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.excluded(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		ctx, span := g.tracer.Start(r.Context(), "license_gate.validate", trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		))
		defer span.End()
		reqID := middleware.GetReqID(ctx)

		key := g.keyFunc(r)
		if key == "" {
			span.SetStatus(codes.Error, ErrCodeLicenseKeyRequired)
			g.logger.WarnContext(ctx, "request without license key",
				slog.String("path", r.URL.Path),
				slog.String("request_id", reqID))
			apierrors.RenderError(w, r, apierrors.New(http.StatusUnauthorized, ErrCodeLicenseKeyRequired, "A license key is required"))
			return
		}

		res := g.validator.ValidateKey(ctx, key)
		span.SetAttributes(
			attribute.Bool("license.valid", res.Valid),
			attribute.Bool("license.from_cache", res.FromCache),
		)
		if !res.Valid {
			span.SetStatus(codes.Error, res.ErrorCode)
			g.logger.WarnContext(ctx, "license gate rejected request",
				slog.String("path", r.URL.Path),
				slog.String("request_id", reqID),
				slog.String("error_code", res.ErrorCode),
				slog.String("license_key_masked", license.MaskLicenseKey(key)))
			apierrors.RenderError(w, r, apierrors.New(rejectionStatus(res), res.ErrorCode, res.Message))
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, resultKey{}, res)))
	})
}

// rejectionStatus maps a failed result to an HTTP status. Transport
// failures say nothing about the license, so they are 503 and the caller
// may retry.
func rejectionStatus(res license.ValidationResult) int {
	switch res.ErrorCode {
	case license.ErrCodeNetworkError, license.ErrCodeTimeout, license.ErrCodeMaxRetriesExceeded, license.ErrCodeUnknown:
		return http.StatusServiceUnavailable
	case license.ErrCodeCancelled:
		return apierrors.StatusClientClosedRequest
	case license.ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

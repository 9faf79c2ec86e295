package http

import (
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "authme/internal/errors"
	"authme/internal/license"
	authmw "authme/internal/middleware"
)

// maxRequestBody bounds request bodies accepted by the license routes.
const maxRequestBody = 64 << 10

// LicenseHandler serves the /v1/license routes.
type LicenseHandler struct {
	service  LicenseService
	logger   *slog.Logger
	tracer   trace.Tracer
	validate *validator.Validate
	gate     *authmw.LicenseGate
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &LicenseHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "license")),
		tracer:   otel.Tracer("authme/transport"),
		validate: v,
		gate:     authmw.NewLicenseGate(service, logger),
	}
}

// ValidateRequest is the body of POST /v1/license/validate.
type ValidateRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=256,printascii"`
	SkipCache  bool   `json:"skip_cache,omitempty"`
}

// Bind implements render.Binder.
func (v *ValidateRequest) Bind(r *http.Request) error {
	v.LicenseKey = strings.TrimSpace(v.LicenseKey)
	return nil
}

// ValidateResponse wraps a validation result.
type ValidateResponse struct {
	Success   bool                     `json:"success"`
	Result    license.ValidationResult `json:"result"`
	Violation bool                     `json:"security_violation"`
	TraceID   string                   `json:"trace_id,omitempty"`
}

// HardwareResponse describes the device identity.
type HardwareResponse struct {
	Fingerprint      string            `json:"hardware_id"`
	Method           string            `json:"method"`
	IsVirtualMachine bool              `json:"is_virtual_machine"`
	Info             map[string]string `json:"info"`
}

// ConnectionResponse is returned by GET /v1/license/connection.
type ConnectionResponse struct {
	Reachable bool   `json:"reachable"`
	Message   string `json:"message"`
}

// Routes returns a chi router for the license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Post("/validate", h.Validate)
	r.Get("/hardware", h.Hardware)
	r.Get("/cache", h.CacheStats)
	r.Delete("/cache", h.ClearCache)
	r.Get("/connection", h.Connection)
	r.Get("/analytics", h.Analytics)
	r.With(h.gate.Handler).Get("/verify", h.Verify)
	return r
}

// Validate handles POST /v1/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "license_handler.validate",
		trace.WithAttributes(attribute.String("request_id", middleware.GetReqID(r.Context()))))
	defer span.End()

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req ValidateRequest
	if err := render.Bind(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.RenderError(w, r, apierrors.ErrPayloadTooLarge)
			return
		}
		apierrors.RenderError(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apierrors.RenderError(w, r, apierrors.FromError(err))
		return
	}

	var opts []license.ValidateOption
	if req.SkipCache {
		opts = append(opts, license.WithoutCache())
	}
	res := h.service.ValidateKey(ctx, req.LicenseKey, opts...)
	span.SetAttributes(attribute.Bool("valid", res.Valid), attribute.String("error_code", res.ErrorCode))

	resp := ValidateResponse{
		Success:   res.Valid,
		Result:    res,
		Violation: res.IsSecurityViolation(),
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		resp.TraceID = sc.TraceID().String()
	}
	render.JSON(w, r, resp)
}

// Hardware handles GET /v1/license/hardware
func (h *LicenseHandler) Hardware(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	render.JSON(w, r, HardwareResponse{
		Fingerprint:      h.service.Fingerprint(),
		Method:           h.service.Method().String(),
		IsVirtualMachine: h.service.IsVirtualMachine(ctx),
		Info:             h.service.HardwareInfo(ctx),
	})
}

// CacheStats handles GET /v1/license/cache
func (h *LicenseHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.CacheStats())
}

// ClearCache handles DELETE /v1/license/cache
func (h *LicenseHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	h.service.ClearCache()
	h.logger.InfoContext(r.Context(), "license cache cleared via API",
		slog.String("request_id", middleware.GetReqID(r.Context())))
	render.NoContent(w, r)
}

// Connection handles GET /v1/license/connection
func (h *LicenseHandler) Connection(w http.ResponseWriter, r *http.Request) {
	ok, msg := h.service.TestConnection(r.Context())
	render.JSON(w, r, ConnectionResponse{Reachable: ok, Message: msg})
}

// Analytics handles GET /v1/license/analytics
func (h *LicenseHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	data, err := h.service.Analytics(r.Context())
	if err != nil {
		h.logger.WarnContext(r.Context(), "analytics request failed",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.GetReqID(r.Context())))
		apierrors.RenderError(w, r, apierrors.FromError(err))
		return
	}
	render.JSON(w, r, data)
}

// Verify handles GET /v1/license/verify for forward-auth proxies. The key
// travels in the X-License-Key header; a valid key yields 204 and the tier
// in X-License-Tier.
func (h *LicenseHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if res, ok := authmw.ResultFromContext(r.Context()); ok && res.Metadata != nil && res.Metadata.Tier != "" {
		w.Header().Set("X-License-Tier", res.Metadata.Tier)
	}
	w.WriteHeader(http.StatusNoContent)
}

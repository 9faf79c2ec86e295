package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apierrors "authme/internal/errors"
	"authme/internal/infrastructure"
	authmw "authme/internal/middleware"
)

// RouterDeps are the components the router serves.
type RouterDeps struct {
	License LicenseService
	Logger  *slog.Logger
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
}

// NewRouter assembles the sidecar routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(correlate)
	r.Use(middleware.RealIP)
	r.Use(apierrors.RequestLogger(logger))
	r.Use(apierrors.Recoverer(logger))
	r.Use(authmw.SecurityHeaders)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierrors.RenderError(w, r, apierrors.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierrors.RenderError(w, r, apierrors.ErrMethodNotAllowed)
	})

	r.Get("/healthz", HealthCheck)
	r.Mount("/v1/license", NewLicenseHandler(deps.License, logger).Routes())
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	return otelhttp.NewHandler(r, "authme.sidecar",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// correlate exposes the chi request id as the correlation id, so sidecar
// logs and authority calls for one request share it.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := infrastructure.WithCorrelationID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

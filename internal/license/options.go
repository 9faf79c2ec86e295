package license

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"authme/internal/clock"
	"authme/internal/security"
)

type options struct {
	logger     *slog.Logger
	tracer     trace.Tracer
	meter      metric.Meter
	metrics    *LicenseMetrics
	clock      clock.Clock
	httpClient *http.Client
	source     security.SignalSource
}

// Option configures a Client or APIClient.
type Option func(*options)

// WithLogger sets the base logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTracer sets the tracer for license spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithMeter sets the meter used to create license metrics.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithHTTPClient replaces the pinned, instrumented client built from the
// configuration. Certificate pins are not applied to a supplied client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithSignalSource replaces the platform hardware signal source.
func WithSignalSource(src security.SignalSource) Option {
	return func(o *options) { o.source = src }
}

func withMetrics(m *LicenseMetrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts []Option) *options {
	o := &options{
		logger: slog.Default(),
		tracer: otel.Tracer(TracerName),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

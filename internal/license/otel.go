package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	TracerName = "authme/license"
	MeterName  = "authme/license"
)

// LicenseMetrics holds the OpenTelemetry instruments for license operations.
// A nil *LicenseMetrics records nothing.
type LicenseMetrics struct {
	ValidationAttempts metric.Int64Counter
	ValidationSuccess  metric.Int64Counter
	ValidationFailures metric.Int64Counter
	ValidationDuration metric.Float64Histogram

	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
	CacheEvictions metric.Int64Counter

	NetworkRetries  metric.Int64Counter
	NetworkLatency  metric.Float64Histogram
	CoalescedCalls  metric.Int64Counter
	SecurityEvents  metric.Int64Counter
	FingerprintTime metric.Float64Histogram
}

// InitializeLicenseMetrics creates the license instruments on meter. A nil
// meter uses the global provider.
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	if meter == nil {
		meter = otel.Meter(MeterName)
	}
	m := &LicenseMetrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.ValidationAttempts, "license_validation_attempts_total", "Total number of license validation attempts"},
		{&m.ValidationSuccess, "license_validation_success_total", "Total number of successful license validations"},
		{&m.ValidationFailures, "license_validation_failures_total", "Total number of failed license validations by error code"},
		{&m.CacheHits, "license_validation_cache_hits_total", "Total number of license validation cache hits"},
		{&m.CacheMisses, "license_validation_cache_misses_total", "Total number of license validation cache misses"},
		{&m.CacheEvictions, "license_cache_evictions_total", "Total number of cache entries purged after a failed validation"},
		{&m.NetworkRetries, "license_network_retries_total", "Total number of retried validation requests"},
		{&m.CoalescedCalls, "license_validation_coalesced_total", "Total number of validations that shared an in-flight request"},
		{&m.SecurityEvents, "license_security_events_total", "Total number of security violations observed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&m.ValidationDuration, "license_validation_duration_seconds", "License validation duration in seconds"},
		{&m.NetworkLatency, "license_network_latency_seconds", "Latency of requests to the license authority in seconds"},
		{&m.FingerprintTime, "license_fingerprint_generation_seconds", "Hardware fingerprint generation time in seconds"},
	}
	for _, h := range histograms {
		hist, err := meter.Float64Histogram(h.name, metric.WithDescription(h.desc), metric.WithUnit("s"))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = hist
	}

	return m, nil
}

func (m *LicenseMetrics) recordValidation(ctx context.Context, res ValidationResult, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.Bool("from_cache", res.FromCache))
	m.ValidationAttempts.Add(ctx, 1, attrs)
	m.ValidationDuration.Record(ctx, d.Seconds(), attrs)
	if res.Valid {
		m.ValidationSuccess.Add(ctx, 1, attrs)
		return
	}
	m.ValidationFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", res.ErrorCode)))
	if res.IsSecurityViolation() {
		m.recordSecurityEvent(ctx, res.ErrorCode)
	}
}

func (m *LicenseMetrics) recordSecurityEvent(ctx context.Context, code string) {
	if m != nil {
		m.SecurityEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("error_code", code)))
	}
}

func (m *LicenseMetrics) recordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Add(ctx, 1)
	} else {
		m.CacheMisses.Add(ctx, 1)
	}
}

func (m *LicenseMetrics) recordEviction(ctx context.Context) {
	if m != nil {
		m.CacheEvictions.Add(ctx, 1)
	}
}

func (m *LicenseMetrics) recordRetry(ctx context.Context, attempt int) {
	if m != nil {
		m.NetworkRetries.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
	}
}

func (m *LicenseMetrics) recordRequest(ctx context.Context, endpoint, outcome string, d time.Duration) {
	if m != nil {
		m.NetworkLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("outcome", outcome),
		))
	}
}

func (m *LicenseMetrics) recordCoalesced(ctx context.Context) {
	if m != nil {
		m.CoalescedCalls.Add(ctx, 1)
	}
}

func (m *LicenseMetrics) recordFingerprint(ctx context.Context, method string, d time.Duration) {
	if m != nil {
		m.FingerprintTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("method", method)))
	}
}

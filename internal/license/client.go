package license

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"authme/internal/clock"
	"authme/internal/config"
	"authme/internal/security"
)

// Client validates license keys for this device. It owns the result cache
// and the authority transport; the fingerprint is computed once in
// NewClient and never changes.
type Client struct {
	cfg         config.ClientConfig
	method      security.Method
	fingerprint string

	api       *APIClient
	cache     *ValidationCache
	generator *security.Generator

	// mu guards flights; pending counts running flights for Close.
	mu      sync.Mutex
	flights map[string]*flight
	pending sync.WaitGroup

	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *LicenseMetrics

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewClient validates cfg, builds the API client and fingerprints the
// device. Configuration problems wrap ErrInvalidConfig.
func NewClient(cfg config.ClientConfig, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	method, err := cfg.Method()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	o := newOptions(opts)
	if o.metrics == nil {
		m, err := InitializeLicenseMetrics(o.meter)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}

	api, err := NewAPIClient(cfg, WithLogger(o.logger), WithTracer(o.tracer), WithClock(o.clock),
		WithHTTPClient(o.httpClient), withMetrics(o.metrics))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	generator := security.NewGenerator(
		security.WithSource(o.source),
		security.WithCustomID(cfg.CustomHardwareID),
		security.WithGeneratorLogger(o.logger),
	)

	c := &Client{
		cfg:       cfg,
		method:    method,
		api:       api,
		cache:     NewValidationCache(cfg.CacheTTL(), o.clock),
		generator: generator,
		flights:   make(map[string]*flight),
		clock:     o.clock,
		logger:    o.logger.With(slog.String("component", "license")),
		tracer:    o.tracer,
		metrics:   o.metrics,
	}

	ctx := context.Background()
	start := o.clock.Now()
	c.fingerprint = generator.Generate(ctx, method)
	c.metrics.recordFingerprint(ctx, method.String(), o.clock.Now().Sub(start))

	c.logger.Info("license client initialized",
		slog.String("api_url", cfg.APIURL),
		slog.String("hwid_method", method.String()),
		slog.Int("cache_ttl_seconds", cfg.CacheTTLSeconds),
		slog.Int("max_attempts", cfg.Attempts()),
	)
	return c, nil
}

type validateOptions struct {
	skipCache bool
}

// ValidateOption adjusts a single ValidateKey call.
type ValidateOption func(*validateOptions)

// WithoutCache forces a network validation. The result still updates the
// cache.
func WithoutCache() ValidateOption {
	return func(o *validateOptions) { o.skipCache = true }
}

// ValidateKey validates licenseKey against the authority, serving fresh
// cached successes when allowed. Concurrent misses for the same key share
// one request; each caller still honours its own ctx, and the request is
// cancelled once every caller has gone.
func (c *Client) ValidateKey(ctx context.Context, licenseKey string, opts ...ValidateOption) ValidationResult {
	var vo validateOptions
	for _, opt := range opts {
		opt(&vo)
	}

	ctx, span := c.tracer.Start(ctx, "license.validate_key", trace.WithAttributes(
		attribute.String("license_key_hash", hashLicenseKey(licenseKey)),
		attribute.Bool("skip_cache", vo.skipCache),
	))
	defer span.End()
	start := c.clock.Now()

	res := c.validate(ctx, licenseKey, vo)

	span.SetAttributes(
		attribute.Bool("valid", res.Valid),
		attribute.Bool("from_cache", res.FromCache),
	)
	if !res.Valid {
		span.SetStatus(codes.Error, res.ErrorCode)
	}
	c.metrics.recordValidation(ctx, res, c.clock.Now().Sub(start))

	level := slog.LevelInfo
	if !res.Valid {
		level = slog.LevelWarn
	}
	logAction(ctx, c.logger, level, "validate_key", res.Message, append(keyAttrs(licenseKey), resultAttrs(res)...)...)
	return res
}

func (c *Client) validate(ctx context.Context, licenseKey string, vo validateOptions) ValidationResult {
	if c.closed.Load() {
		return c.api.failure(msgClosed, ErrCodeUnknown)
	}
	if strings.TrimSpace(licenseKey) == "" {
		return c.api.failure(msgEmptyLicenseKey, ErrCodeInvalidInput)
	}

	key := CacheKey(licenseKey, c.fingerprint)
	if !vo.skipCache {
		if res, ok := c.cache.Get(key); ok {
			c.metrics.recordCache(ctx, true)
			return res
		}
		c.metrics.recordCache(ctx, false)
	}

	f, shared := c.join(ctx, key, licenseKey)
	if f == nil {
		return c.api.failure(msgClosed, ErrCodeUnknown)
	}
	defer c.leave(f)
	if shared {
		c.metrics.recordCoalesced(ctx)
	}

	select {
	case <-ctx.Done():
		return c.api.contextFailure(ctx.Err())
	case <-f.done:
		res := f.res
		res.Metadata = res.Metadata.clone()
		return res
	}
}

// flight is one authority request shared by every caller missing the same
// cache key. It is cancelled once no caller waits for it.
type flight struct {
	key        string
	licenseKey string
	ctx        context.Context
	cancel     context.CancelFunc
	waiters    int
	done       chan struct{}
	res        ValidationResult
}

// join attaches the caller to the live flight for key or starts a new one.
// It returns nil once the client is closed.
func (c *Client) join(ctx context.Context, key, licenseKey string) (f *flight, shared bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil, false
	}
	if f := c.flights[key]; f != nil && f.ctx.Err() == nil {
		f.waiters++
		return f, true
	}

	// the request keeps the first caller's values but not its deadline
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f = &flight{key: key, licenseKey: licenseKey, ctx: fctx, cancel: cancel, waiters: 1, done: make(chan struct{})}
	c.flights[key] = f
	c.pending.Add(1)
	go c.run(f)
	return f, false
}

func (c *Client) leave(f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
	}
}

func (c *Client) run(f *flight) {
	defer c.pending.Done()
	defer f.cancel()

	res := c.api.Validate(f.ctx, f.licenseKey, c.fingerprint)

	c.mu.Lock()
	if c.flights[f.key] == f {
		delete(c.flights, f.key)
	}
	abandoned := f.ctx.Err() != nil
	c.mu.Unlock()

	// an abandoned or torn down flight must not touch the cache
	if !abandoned && !c.closed.Load() {
		if res.Valid {
			c.cache.Put(f.key, res)
		} else if c.cache.Evict(f.key) {
			c.metrics.recordEviction(f.ctx)
		}
	}
	f.res = res
	close(f.done)
}

// Authenticate validates licenseKey and packages the outcome for display.
// Security violations are reported to the authority when enabled.
func (c *Client) Authenticate(ctx context.Context, licenseKey string) AuthenticationResult {
	res := c.ValidateKey(ctx, licenseKey)
	if c.cfg.ReportSecurityViolations && res.IsSecurityViolation() {
		c.logger.WarnContext(ctx, "security violation detected",
			slog.String("error_code", res.ErrorCode),
			slog.String("license_key_masked", maskLicenseKey(licenseKey)),
		)
		c.api.LogSecurityViolation(ctx, res.ErrorCode, res.Message, c.fingerprint)
	}
	return AuthenticationResult{
		Success:     res.Valid,
		Message:     res.Message,
		ErrorCode:   res.ErrorCode,
		Metadata:    res.Metadata,
		Fingerprint: c.fingerprint,
		LicenseKey:  maskLicenseKey(licenseKey),
		RequestID:   res.RequestID,
		Timestamp:   res.Timestamp,
	}
}

// ClearCache drops all cached validations.
func (c *Client) ClearCache() {
	c.cache.Clear()
	c.logger.Debug("license cache cleared")
}

// CacheStats reports cache occupancy.
func (c *Client) CacheStats() CacheStats {
	return c.cache.Stats()
}

// TestConnection reports whether the authority is reachable.
func (c *Client) TestConnection(ctx context.Context) (bool, string) {
	if c.closed.Load() {
		return false, msgClosed
	}
	ok, msg := c.api.TestConnection(ctx)
	c.logger.InfoContext(ctx, "connection test finished", slog.Bool("reachable", ok), slog.String("message", msg))
	return ok, msg
}

// Analytics returns validation statistics. It fails with
// ErrAnalyticsDisabled unless analytics are enabled in the configuration.
func (c *Client) Analytics(ctx context.Context) (*AnalyticsData, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if !c.cfg.EnableAnalytics {
		return nil, ErrAnalyticsDisabled
	}
	data, err := c.api.Analytics(ctx)
	if err != nil {
		c.logger.ErrorContext(ctx, "analytics request failed", slog.String("error", err.Error()))
		return nil, err
	}
	return data, nil
}

// LogSecurityViolation reports a violation for this device. Failures are
// ignored.
func (c *Client) LogSecurityViolation(ctx context.Context, errorCode, message string) {
	if c.closed.Load() {
		return
	}
	c.metrics.recordSecurityEvent(ctx, errorCode)
	c.api.LogSecurityViolation(ctx, errorCode, message, c.fingerprint)
}

// HardwareInfo describes the signals behind the fingerprint.
func (c *Client) HardwareInfo(ctx context.Context) map[string]string {
	return c.generator.HardwareInfo(ctx, c.method)
}

// IsVirtualMachine runs the platform virtualisation heuristics.
func (c *Client) IsVirtualMachine(ctx context.Context) bool {
	return c.generator.IsVirtualMachine(ctx)
}

// Fingerprint returns the device fingerprint sent with every validation.
func (c *Client) Fingerprint() string { return c.fingerprint }

// Method returns the fingerprint method in use.
func (c *Client) Method() security.Method { return c.method }

// Close cancels in-flight validations, waits for them, then clears the
// cache and releases the transport. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed.Store(true)
		for _, f := range c.flights {
			f.cancel()
		}
		c.mu.Unlock()
		c.pending.Wait()

		c.cache.Clear()
		c.api.Close()
		c.logger.Info("license client closed")
	})
	return nil
}

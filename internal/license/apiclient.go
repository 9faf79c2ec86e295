package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"authme/internal/clock"
	"authme/internal/config"
	"authme/internal/infrastructure"
	"authme/internal/security"
)

// APIClient talks to the license authority. Each call is independent; the
// client itself holds no per-call state and is safe for concurrent use.
type APIClient struct {
	cfg        config.ClientConfig
	baseURL    string
	httpClient *http.Client
	transport  *http.Transport
	limiter    *rate.Limiter
	clock      clock.Clock
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *LicenseMetrics
}

// NewAPIClient builds an APIClient for cfg. The configuration is assumed to
// be valid; NewClient validates it before calling here.
func NewAPIClient(cfg config.ClientConfig, opts ...Option) (*APIClient, error) {
	o := newOptions(opts)
	c := &APIClient{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.APIURL, "/"),
		clock:   o.clock,
		logger:  o.logger.With(slog.String("component", "license_api")),
		tracer:  o.tracer,
		metrics: o.metrics,
	}

	if o.httpClient != nil {
		c.httpClient = o.httpClient
	} else {
		var pinner *security.CertificatePinner
		if len(cfg.PinnedKeys) > 0 || cfg.StrictPinning {
			p, err := security.PinnerForHost(cfg.APIHost(), cfg.PinnedKeys, cfg.StrictPinning)
			if err != nil {
				return nil, fmt.Errorf("failed to configure certificate pins: %w", err)
			}
			pinner = p
		}
		c.transport = security.NewPinnedTransport(pinner)
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(c.transport)}
	}

	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// Close releases idle connections held by the transport.
func (c *APIClient) Close() {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
		return
	}
	c.httpClient.CloseIdleConnections()
}

// Validate asks the authority whether licenseKey is valid for fingerprint.
// It never returns an error; every failure is encoded in the result.
func (c *APIClient) Validate(ctx context.Context, licenseKey, fingerprint string) ValidationResult {
	if strings.TrimSpace(licenseKey) == "" {
		return c.failure(msgEmptyLicenseKey, ErrCodeInvalidInput)
	}
	if strings.TrimSpace(fingerprint) == "" {
		return c.failure(msgEmptyHardwareID, ErrCodeInvalidInput)
	}

	body, err := json.Marshal(validateRequest{
		AppID:      c.cfg.AppID,
		AppSecret:  c.cfg.AppSecret,
		AppName:    c.cfg.AppName,
		LicenseKey: licenseKey,
		HardwareID: fingerprint,
	})
	if err != nil {
		return c.failure("Validation error: "+err.Error(), ErrCodeUnknown)
	}

	attempts := c.cfg.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, netErr := c.attempt(ctx, attempt, body, fingerprint)
		if netErr == nil {
			return res
		}
		lastErr = netErr
		if attempt == attempts {
			break
		}

		delay := backoff(c.cfg.RetryBaseDelay, attempt)
		c.logger.WarnContext(ctx, "license validation attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
			slog.Duration("backoff", delay),
			slog.String("error", netErr.Error()),
		)
		c.metrics.recordRetry(ctx, attempt)
		select {
		case <-ctx.Done():
			return c.contextFailure(ctx.Err())
		case <-c.clock.After(delay):
		}
	}

	if lastErr != nil {
		return c.failure(fmt.Sprintf("Network error after %d attempts: %v", attempts, lastErr), ErrCodeNetworkError)
	}
	return c.failure(msgMaxRetries, ErrCodeMaxRetriesExceeded)
}

// backoff is base·2^failures, capped at maxBackoff.
func backoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// attempt performs one request. A non-nil error means a transport failure
// that may be retried; otherwise the result is final.
func (c *APIClient) attempt(ctx context.Context, n int, body []byte, fingerprint string) (res ValidationResult, netErr error) {
	ctx, span := c.tracer.Start(ctx, "license.api.validate", trace.WithAttributes(attribute.Int("attempt", n)))
	defer span.End()
	start := c.clock.Now()
	outcome := "error"
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "panic during license validation", slog.Any("panic", r))
			res, netErr = c.failure(fmt.Sprintf("Validation error: %v", r), ErrCodeUnknown), nil
			outcome = "panic"
		}
		c.metrics.recordRequest(ctx, "validate", outcome, c.clock.Now().Sub(start))
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	requestID := uuid.NewString()
	resp, err := c.post(attemptCtx, validatePath, requestID, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if r, final := c.classify(ctx, attemptCtx, err); final {
			outcome = strings.ToLower(r.ErrorCode)
			return r, nil
		}
		return ValidationResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if r, final := c.classify(ctx, attemptCtx, err); final {
			outcome = strings.ToLower(r.ErrorCode)
			return r, nil
		}
		return ValidationResult{}, fmt.Errorf("reading response: %w", err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	outcome = strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return c.parseSuccess(data, requestID, fingerprint), nil
	}
	return c.parseFailure(resp, data, requestID), nil
}

func (c *APIClient) post(ctx context.Context, path, requestID string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, requestID)
	return c.httpClient.Do(req)
}

// setHeaders stamps the identification headers. A correlation id on the
// request context is forwarded so the authority can join its logs to ours.
func setHeaders(req *http.Request, requestID string) {
	req.Header.Set("User-Agent", config.UserAgent)
	req.Header.Set("X-Request-ID", requestID)
	if id := infrastructure.CorrelationID(req.Context()); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
}

// classify maps a failure to a final result when it is a timeout or a
// cancellation. Other errors are reported as retryable.
func (c *APIClient) classify(parent, attemptCtx context.Context, err error) (ValidationResult, bool) {
	if parent.Err() != nil {
		return c.contextFailure(parent.Err()), true
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return c.failure(msgTimeout, ErrCodeTimeout), true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return c.failure(msgTimeout, ErrCodeTimeout), true
	}
	return ValidationResult{}, false
}

func (c *APIClient) contextFailure(err error) ValidationResult {
	if errors.Is(err, context.DeadlineExceeded) {
		return c.failure(msgTimeout, ErrCodeTimeout)
	}
	return c.failure(msgCancelled, ErrCodeCancelled)
}

func (c *APIClient) parseSuccess(data []byte, requestID, fingerprint string) ValidationResult {
	var wr validateResponse
	if err := json.Unmarshal(data, &wr); err != nil {
		return c.failure("Validation error: invalid response body: "+err.Error(), ErrCodeUnknown)
	}

	now := c.clock.Now()
	res := ValidationResult{
		Valid:     wr.Valid != nil && *wr.Valid,
		Message:   msgUnknownResponse,
		Timestamp: now,
		RequestID: wr.RequestID,
	}
	if wr.Message != nil {
		res.Message = *wr.Message
	}
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	if !res.Valid {
		res.ErrorCode = wr.ErrorCode
	}
	if wr.KeyData != nil {
		res.Metadata = wr.KeyData.metadata(fingerprint, now)
	}
	return res
}

func (kd *keyData) metadata(fingerprint string, now time.Time) *LicenseMetadata {
	tier := "unknown"
	if kd.Tier != nil && *kd.Tier != "" {
		tier = *kd.Tier
	}
	validated := now
	return &LicenseMetadata{
		Tier:             tier,
		ExpiresAt:        kd.ExpiresAt.ptr(),
		UsageCount:       kd.CurrentUses,
		MaxUses:          kd.MaxUses,
		IsRevoked:        kd.IsRevoked,
		IsSuspended:      kd.IsSuspended,
		BoundFingerprint: fingerprint,
		ActivatedAt:      kd.ActivatedAt.ptr(),
		LastValidatedAt:  &validated,
		Attributes:       kd.Metadata,
	}
}

func (c *APIClient) parseFailure(resp *http.Response, data []byte, requestID string) ValidationResult {
	var er errorResponse
	// non-JSON error pages fall through to the status defaults
	_ = json.Unmarshal(data, &er)

	res := c.failure(er.Error, er.ErrorCode)
	if res.Message == "" {
		res.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if res.ErrorCode == "" {
		res.ErrorCode = strconv.Itoa(resp.StatusCode)
	}
	res.RequestID = er.RequestID
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	return res
}

func (c *APIClient) failure(message, code string) ValidationResult {
	return ValidationResult{
		Valid:     false,
		Message:   message,
		ErrorCode: code,
		Timestamp: c.clock.Now(),
	}
}

// TestConnection reports whether the authority answers at all. Any HTTP
// response, including an error status, counts as reachable.
func (c *APIClient) TestConnection(ctx context.Context) (bool, string) {
	body, _ := json.Marshal(testConnectionRequest{
		AppID:      "test",
		AppSecret:  "test",
		LicenseKey: "test",
		HardwareID: "test",
	})

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	start := c.clock.Now()
	resp, err := c.post(ctx, validatePath, uuid.NewString(), body)
	if err != nil {
		c.metrics.recordRequest(ctx, "test_connection", "error", c.clock.Now().Sub(start))
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return false, fmt.Sprintf("Request timeout. Check if the license service is running on %s", c.baseURL)
		}
		return false, fmt.Sprintf("Network error: %v. Check if the license service is running on %s", err, c.baseURL)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	c.metrics.recordRequest(ctx, "test_connection", strconv.Itoa(resp.StatusCode), c.clock.Now().Sub(start))

	return true, fmt.Sprintf("Connection successful. License API is reachable (HTTP %d).", resp.StatusCode)
}

// Analytics fetches the 30 day validation statistics.
func (c *APIClient) Analytics(ctx context.Context) (*AnalyticsData, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+analyticsPath, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAnalyticsUnavailable, err)
	}
	setHeaders(req, uuid.NewString())
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err)
		}
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.recordRequest(ctx, "analytics", "error", c.clock.Now().Sub(start))
		return nil, fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err)
	}
	defer resp.Body.Close()
	c.metrics.recordRequest(ctx, "analytics", strconv.Itoa(resp.StatusCode), c.clock.Now().Sub(start))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrAnalyticsUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrAnalyticsUnavailable, resp.StatusCode)
	}

	var ar analyticsResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return nil, fmt.Errorf("%w: invalid response body: %w", ErrAnalyticsUnavailable, err)
	}
	return ar.Data.toAnalytics(), nil
}

func (b *analyticsBody) toAnalytics() *AnalyticsData {
	out := &AnalyticsData{
		ErrorBreakdown: map[string]int{},
		DailyStats:     []DailyStats{},
	}
	if b == nil {
		return out
	}
	out.TodayValidations = b.TodayValidations
	out.WeekValidations = b.WeekValidations
	out.MonthValidations = b.MonthValidations
	out.SuccessRate = b.SuccessRate
	out.ActiveLicenses = b.ActiveLicenses
	out.RevokedLicenses = b.RevokedLicenses
	for code, n := range b.ErrorBreakdown {
		out.ErrorBreakdown[code] = n
	}
	for _, d := range b.DailyStats {
		out.DailyStats = append(out.DailyStats, DailyStats{
			Date:                  d.Date.value(),
			TotalValidations:      d.TotalValidations,
			SuccessfulValidations: d.SuccessfulValidations,
			FailedValidations:     d.FailedValidations,
		})
	}
	return out
}

// LogSecurityViolation reports a violation to the authority. Failures are
// logged at debug level and otherwise ignored.
func (c *APIClient) LogSecurityViolation(ctx context.Context, errorCode, message, fingerprint string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.DebugContext(ctx, "security violation report panicked", slog.Any("panic", r))
		}
	}()

	body, err := json.Marshal(securityViolationRequest{
		ErrorCode:  errorCode,
		Message:    message,
		HardwareID: fingerprint,
		Timestamp:  c.clock.Now().Unix(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout())
	defer cancel()

	resp, err := c.post(ctx, securityLogPath, uuid.NewString(), body)
	if err != nil {
		c.logger.DebugContext(ctx, "failed to report security violation",
			slog.String("error_code", errorCode),
			slog.String("error", err.Error()),
		)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode >= 300 {
		c.logger.DebugContext(ctx, "security violation report rejected",
			slog.String("error_code", errorCode),
			slog.Int("status", resp.StatusCode),
		)
	}
}

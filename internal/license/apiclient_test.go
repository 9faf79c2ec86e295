package license

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authme/internal/clock"
	"authme/internal/config"
	"authme/internal/infrastructure"
)

const testFingerprint = "0123456789ABCDEF0123456789ABCDEF"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClientConfig(apiURL string) config.ClientConfig {
	cfg := config.Default().Client
	cfg.APIURL = apiURL
	cfg.AppID = "app-0001"
	cfg.AppSecret = "secret-0123456789"
	cfg.AppName = "unit-test"
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

func newTestAPIClient(t *testing.T, cfg config.ClientConfig, opts ...Option) *APIClient {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	c, err := NewAPIClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestAPIClientValidateSuccess(t *testing.T) {
	type captured struct {
		body    validateRequest
		headers http.Header
	}
	seen := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/validate", r.URL.Path)
		var body validateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		seen <- captured{body: body, headers: r.Header.Clone()}
		writeJSON(w, http.StatusOK, `{"valid":true,"message":"License is valid","request_id":"req-1","key_data":{"tier":"pro","current_uses":4,"max_uses":10,"expires_at":"2030-01-01T00:00:00Z"}}`)
	}))
	defer srv.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := newTestAPIClient(t, testClientConfig(srv.URL+"/api/"), WithClock(clock.Fake(now)))

	res := c.Validate(context.Background(), "ABCD-EFGH-IJKL", testFingerprint)

	assert.True(t, res.Valid)
	assert.Equal(t, "License is valid", res.Message)
	assert.Empty(t, res.ErrorCode)
	assert.Equal(t, "req-1", res.RequestID)
	assert.False(t, res.FromCache)
	assert.Equal(t, now, res.Timestamp)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "pro", res.Metadata.Tier)
	assert.Equal(t, 4, res.Metadata.UsageCount)
	require.NotNil(t, res.Metadata.MaxUses)
	assert.Equal(t, 10, *res.Metadata.MaxUses)
	assert.Equal(t, testFingerprint, res.Metadata.BoundFingerprint)
	require.NotNil(t, res.Metadata.LastValidatedAt)
	assert.Equal(t, now, *res.Metadata.LastValidatedAt)

	got := <-seen
	assert.Equal(t, validateRequest{
		AppID:      "app-0001",
		AppSecret:  "secret-0123456789",
		AppName:    "unit-test",
		LicenseKey: "ABCD-EFGH-IJKL",
		HardwareID: testFingerprint,
	}, got.body)
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, config.UserAgent, got.headers.Get("User-Agent"))
	assert.NotEmpty(t, got.headers.Get("X-Request-ID"))
}

func TestAPIClientValidateDefaults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"valid":true,"key_data":{}}`)
	}))
	defer srv.Close()

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.True(t, res.Valid)
	assert.Equal(t, "Unknown response", res.Message)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "unknown", res.Metadata.Tier)
	assert.True(t, res.Metadata.IsUnlimited())
	assert.NotEmpty(t, res.RequestID, "falls back to the outbound request id")
}

func TestAPIClientValidateErrorStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantCode    string
		wantMessage string
		wantReqID   string
	}{
		{
			name:        "structured error",
			status:      http.StatusForbidden,
			body:        `{"error":"License revoked","error_code":"REVOKED","request_id":"req-9"}`,
			wantCode:    "REVOKED",
			wantMessage: "License revoked",
			wantReqID:   "req-9",
		},
		{
			name:        "html error page",
			status:      http.StatusBadGateway,
			body:        `<html>bad gateway</html>`,
			wantCode:    "502",
			wantMessage: "HTTP 502: Bad Gateway",
		},
		{
			name:        "message without code",
			status:      http.StatusUnauthorized,
			body:        `{"error":"Invalid app credentials"}`,
			wantCode:    "401",
			wantMessage: "Invalid app credentials",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			c := newTestAPIClient(t, testClientConfig(srv.URL))
			res := c.Validate(context.Background(), "KEY-1", testFingerprint)

			assert.False(t, res.Valid)
			assert.Equal(t, tt.wantCode, res.ErrorCode)
			assert.Equal(t, tt.wantMessage, res.Message)
			if tt.wantReqID != "" {
				assert.Equal(t, tt.wantReqID, res.RequestID)
			}
			assert.Equal(t, int32(1), calls.Load(), "HTTP error responses are not retried")
		})
	}
}

func TestAPIClientValidateMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"valid":`)
	}))
	defer srv.Close()

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.False(t, res.Valid)
	assert.Equal(t, ErrCodeUnknown, res.ErrorCode)
	assert.True(t, strings.HasPrefix(res.Message, "Validation error:"), res.Message)
}

func TestAPIClientValidateInvalidInput(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected request")
	})}
	c := newTestAPIClient(t, testClientConfig("https://authority.test"), WithHTTPClient(hc))

	res := c.Validate(context.Background(), "  ", testFingerprint)
	assert.Equal(t, ErrCodeInvalidInput, res.ErrorCode)
	assert.Equal(t, "License key cannot be empty", res.Message)

	res = c.Validate(context.Background(), "KEY", "")
	assert.Equal(t, ErrCodeInvalidInput, res.ErrorCode)

	assert.Zero(t, calls.Load())
}

func TestAPIClientRetriesNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	c := newTestAPIClient(t, testClientConfig("https://authority.test"), WithHTTPClient(hc))

	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.False(t, res.Valid)
	assert.Equal(t, ErrCodeNetworkError, res.ErrorCode)
	assert.True(t, strings.HasPrefix(res.Message, "Network error after 3 attempts:"), res.Message)
	assert.Contains(t, res.Message, "connection refused")
	assert.Equal(t, int32(3), calls.Load())
}

func TestAPIClientRetryDisabled(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})}
	cfg := testClientConfig("https://authority.test")
	cfg.EnableRetry = false
	c := newTestAPIClient(t, cfg, WithHTTPClient(hc))

	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.Equal(t, ErrCodeNetworkError, res.ErrorCode)
	assert.True(t, strings.HasPrefix(res.Message, "Network error after 1 attempts:"), res.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClientZeroAttempts(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected request")
	})}
	cfg := testClientConfig("https://authority.test")
	cfg.MaxRetryAttempts = 0
	c := newTestAPIClient(t, cfg, WithHTTPClient(hc))

	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.Equal(t, ErrCodeMaxRetriesExceeded, res.ErrorCode)
	assert.Equal(t, "Maximum retry attempts exceeded", res.Message)
	assert.Zero(t, calls.Load())
}

func TestAPIClientBackoffSchedule(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		if calls.Add(1) == 3 {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader(`{"valid":true,"message":"ok"}`)),
				Header:     http.Header{},
			}, nil
		}
		return nil, errors.New("connection refused")
	})}
	fc := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := testClientConfig("https://authority.test")
	cfg.RetryBaseDelay = time.Second
	c := newTestAPIClient(t, cfg, WithHTTPClient(hc), WithClock(fc))

	done := make(chan ValidationResult, 1)
	go func() { done <- c.Validate(context.Background(), "KEY-1", testFingerprint) }()

	// first backoff is 2s
	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
	fc.Advance(1999 * time.Millisecond)
	assert.Equal(t, 1, fc.Pending())
	assert.Equal(t, int32(1), calls.Load())
	fc.Advance(time.Millisecond)

	// second backoff is 4s
	require.Eventually(t, func() bool { return calls.Load() == 2 && fc.Pending() == 1 }, time.Second, time.Millisecond)
	fc.Advance(3999 * time.Millisecond)
	assert.Equal(t, 1, fc.Pending())
	fc.Advance(time.Millisecond)

	select {
	case res := <-done:
		assert.True(t, res.Valid)
		assert.Equal(t, int32(3), calls.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("validation did not finish")
	}
}

func TestAPIClientCancelledDuringBackoff(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})}
	fc := clock.Fake(time.Now())
	cfg := testClientConfig("https://authority.test")
	cfg.RetryBaseDelay = time.Second
	c := newTestAPIClient(t, cfg, WithHTTPClient(hc), WithClock(fc))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ValidationResult, 1)
	go func() { done <- c.Validate(ctx, "KEY-1", testFingerprint) }()

	require.Eventually(t, func() bool { return fc.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.Equal(t, ErrCodeCancelled, res.ErrorCode)
		assert.Equal(t, "Validation cancelled", res.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("validation ignored cancellation")
	}
}

func TestAPIClientTimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	stop := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	defer srv.Close()
	defer close(stop)

	cfg := testClientConfig(srv.URL)
	cfg.TimeoutSeconds = 1
	c := newTestAPIClient(t, cfg)

	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.False(t, res.Valid)
	assert.Equal(t, ErrCodeTimeout, res.ErrorCode)
	assert.Equal(t, "Request timeout - please check your internet connection", res.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAPIClientCallerDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := c.Validate(ctx, "KEY-1", testFingerprint)
	assert.Equal(t, ErrCodeTimeout, res.ErrorCode)
}

func TestAPIClientRecoversPanics(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		panic("transport exploded")
	})}
	c := newTestAPIClient(t, testClientConfig("https://authority.test"), WithHTTPClient(hc))

	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.False(t, res.Valid)
	assert.Equal(t, ErrCodeUnknown, res.ErrorCode)
	assert.Contains(t, res.Message, "transport exploded")
}

func TestAPIClientLimitsResponseSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"valid":true,"message":"`+strings.Repeat("x", maxResponseBytes)+`"}`)
	}))
	defer srv.Close()

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	res := c.Validate(context.Background(), "KEY-1", testFingerprint)

	assert.False(t, res.Valid, "truncated body cannot be parsed")
	assert.Equal(t, ErrCodeUnknown, res.ErrorCode)
}

func TestAPIClientTestConnection(t *testing.T) {
	seen := make(chan testConnectionRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body testConnectionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		seen <- body
		writeJSON(w, http.StatusInternalServerError, `{"error":"boom"}`)
	}))

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	ok, msg := c.TestConnection(context.Background())
	assert.True(t, ok, "any HTTP response means reachable")
	assert.Contains(t, msg, "500")
	assert.Equal(t, testConnectionRequest{AppID: "test", AppSecret: "test", LicenseKey: "test", HardwareID: "test"}, <-seen)

	srv.Close()
	ok, msg = c.TestConnection(context.Background())
	assert.False(t, ok)
	assert.Contains(t, msg, "Network error")
}

func TestAPIClientAnalytics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/analytics/validation-stats", r.URL.Path)
		assert.Equal(t, "30d", r.URL.Query().Get("period"))
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"today_validations":5,"week_validations":30,"month_validations":120,"success_rate":97.5,"active_licenses":12,"revoked_licenses":1,"error_breakdown":{"EXPIRED":2},"daily_stats":[{"date":"2025-01-02","total_validations":5,"successful_validations":4,"failed_validations":1}]}}`)
	}))
	defer srv.Close()

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	data, err := c.Analytics(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, data.TodayValidations)
	assert.Equal(t, 120, data.MonthValidations)
	assert.InDelta(t, 97.5, data.SuccessRate, 0.001)
	assert.Equal(t, map[string]int{"EXPIRED": 2}, data.ErrorBreakdown)
	require.Len(t, data.DailyStats, 1)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), data.DailyStats[0].Date)
	assert.Equal(t, 4, data.DailyStats[0].SuccessfulValidations)
}

func TestAPIClientAnalyticsFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":"down"}`},
		{"malformed", http.StatusOK, `not json`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))
			defer srv.Close()

			c := newTestAPIClient(t, testClientConfig(srv.URL))
			data, err := c.Analytics(context.Background())
			assert.Nil(t, data)
			assert.ErrorIs(t, err, ErrAnalyticsUnavailable)
		})
	}
}

func TestAPIClientAnalyticsMissingData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true}`)
	}))
	defer srv.Close()

	c := newTestAPIClient(t, testClientConfig(srv.URL))
	data, err := c.Analytics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, data.TodayValidations)
	assert.NotNil(t, data.ErrorBreakdown)
	assert.NotNil(t, data.DailyStats)
}

func TestAPIClientLogSecurityViolation(t *testing.T) {
	got := make(chan securityViolationRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/security/log-violation", r.URL.Path)
		var req securityViolationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		got <- req
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	now := time.Unix(1735689600, 0)
	c := newTestAPIClient(t, testClientConfig(srv.URL), WithClock(clock.Fake(now)))

	assert.NotPanics(t, func() {
		c.LogSecurityViolation(context.Background(), "HWID_MISMATCH", "bound elsewhere", testFingerprint)
	})
	req := <-got
	assert.Equal(t, securityViolationRequest{
		ErrorCode:  "HWID_MISMATCH",
		Message:    "bound elsewhere",
		HardwareID: testFingerprint,
		Timestamp:  1735689600,
	}, req)
}

func TestAPIClientLogSecurityViolationSwallowsErrors(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("offline")
	})}
	c := newTestAPIClient(t, testClientConfig("https://authority.test"), WithHTTPClient(hc))
	assert.NotPanics(t, func() {
		c.LogSecurityViolation(context.Background(), "REVOKED", "revoked", testFingerprint)
	})
}

func TestAPIClientRateLimit(t *testing.T) {
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"valid":true}`)),
			Header:     http.Header{},
		}, nil
	})}
	cfg := testClientConfig("https://authority.test")
	cfg.RequestsPerSecond = 0.001
	c := newTestAPIClient(t, cfg, WithHTTPClient(hc))

	res := c.Validate(context.Background(), "KEY-1", testFingerprint)
	require.True(t, res.Valid)

	// the single token is spent; the next call cannot get one before the deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res = c.Validate(ctx, "KEY-1", testFingerprint)
	assert.False(t, res.Valid)
}

func TestAPIClientForwardsCorrelationID(t *testing.T) {
	seen := make(chan http.Header, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		writeJSON(w, http.StatusOK, `{"valid":true,"message":"License is valid"}`)
	}))
	defer srv.Close()
	c := newTestAPIClient(t, testClientConfig(srv.URL))

	ctx := infrastructure.WithCorrelationID(context.Background(), "sidecar-req-7")
	require.True(t, c.Validate(ctx, "ABCD-EFGH-IJKL", testFingerprint).Valid)
	assert.Equal(t, "sidecar-req-7", (<-seen).Get("X-Correlation-ID"))

	require.True(t, c.Validate(context.Background(), "ABCD-EFGH-IJKL", testFingerprint).Valid)
	assert.Empty(t, (<-seen).Get("X-Correlation-ID"))
}

func TestBackoffIsCapped(t *testing.T) {
	assert.Equal(t, time.Second, backoff(time.Second, 0))
	assert.Equal(t, 2*time.Second, backoff(time.Second, 1))
	assert.Equal(t, 8*time.Second, backoff(time.Second, 3))
	assert.Equal(t, maxBackoff, backoff(time.Second, 40))
	assert.Equal(t, maxBackoff, backoff(time.Hour, 1))
	assert.Zero(t, backoff(0, 5))
}

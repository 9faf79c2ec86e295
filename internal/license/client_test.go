package license

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"authme/internal/clock"
	"authme/internal/config"
	"authme/internal/security"
	"authme/internal/shared/testutil"
)

func testSource() *security.StaticSource {
	return &security.StaticSource{
		OS: "linux",
		Values: map[string]string{
			security.SignalHostname:       "ci-runner",
			security.SignalProcessorCount: "4",
			security.SignalOSVersion:      "Debian GNU/Linux 12",
			security.SignalMACAddress:     "02:42:ac:11:00:02",
			security.SignalCPUModel:       "Intel Xeon",
			security.SignalBoardSerial:    "BOARD-1",
			security.SignalSystemUUID:     "11111111-2222-3333-4444-555555555555",
		},
	}
}

// authority is a scripted license authority.
type authority struct {
	srv        *httptest.Server
	validates  atomic.Int32
	violations atomic.Int32
	mu         sync.Mutex
	respond    func(w http.ResponseWriter, r *http.Request)
}

func newAuthority(t *testing.T) *authority {
	t.Helper()
	a := &authority{respond: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"valid":true,"message":"License is valid","key_data":{"tier":"pro"}}`)
	}}
	mux := http.NewServeMux()
	mux.HandleFunc("/validate", func(w http.ResponseWriter, r *http.Request) {
		a.validates.Add(1)
		a.mu.Lock()
		respond := a.respond
		a.mu.Unlock()
		respond(w, r)
	})
	mux.HandleFunc("/security/log-violation", func(w http.ResponseWriter, r *http.Request) {
		a.violations.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/analytics/validation-stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"today_validations":7}}`)
	})
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

func (a *authority) setResponse(fn func(w http.ResponseWriter, r *http.Request)) {
	a.mu.Lock()
	a.respond = fn
	a.mu.Unlock()
}

func newTestClient(t *testing.T, cfg config.ClientConfig, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger()), WithSignalSource(testSource())}, opts...)
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := testClientConfig("https://authority.test")
	cfg.AppID = "short"

	c, err := NewClient(cfg, WithLogger(discardLogger()))
	assert.Nil(t, c)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "app_id")
}

func TestClientFingerprintIsStable(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))

	want := security.NewGenerator(security.WithSource(testSource()), security.WithGeneratorLogger(discardLogger())).
		Generate(context.Background(), security.MethodComprehensive)
	assert.Equal(t, want, c.Fingerprint())
	assert.Len(t, c.Fingerprint(), security.FingerprintLength)
	assert.Equal(t, security.MethodComprehensive, c.Method())

	info := c.HardwareInfo(context.Background())
	assert.Equal(t, c.Fingerprint(), info["hardware_id"])
	assert.False(t, c.IsVirtualMachine(context.Background()))
}

func TestClientValidateKeyCaches(t *testing.T) {
	a := newAuthority(t)
	fc := clock.Fake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	c := newTestClient(t, testClientConfig(a.srv.URL), WithClock(fc))
	ctx := context.Background()

	first := c.ValidateKey(ctx, "LIC-0001-AAAA")
	require.True(t, first.Valid)
	assert.False(t, first.FromCache)
	assert.Equal(t, c.Fingerprint(), first.Metadata.BoundFingerprint)

	second := c.ValidateKey(ctx, "LIC-0001-AAAA")
	assert.True(t, second.Valid)
	assert.True(t, second.FromCache)
	assert.Equal(t, int32(1), a.validates.Load())
	assert.Equal(t, CacheStats{Total: 1, Valid: 1}, c.CacheStats())

	// the default ttl is 3s
	fc.Advance(2 * time.Second)
	aged := c.ValidateKey(ctx, "LIC-0001-AAAA")
	assert.True(t, aged.FromCache)
	assert.Equal(t, int32(1), a.validates.Load())

	fc.Advance(2 * time.Second)
	assert.Equal(t, CacheStats{Total: 1, Expired: 1}, c.CacheStats())
	third := c.ValidateKey(ctx, "LIC-0001-AAAA")
	assert.False(t, third.FromCache)
	assert.Equal(t, int32(2), a.validates.Load())
}

func TestClientWithoutCache(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))
	ctx := context.Background()

	require.True(t, c.ValidateKey(ctx, "LIC-0001-AAAA").Valid)
	res := c.ValidateKey(ctx, "LIC-0001-AAAA", WithoutCache())
	assert.True(t, res.Valid)
	assert.False(t, res.FromCache)
	assert.Equal(t, int32(2), a.validates.Load())
	assert.Equal(t, 1, c.CacheStats().Total)
}

func TestClientFailureEvictsCachedEntry(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))
	ctx := context.Background()

	require.True(t, c.ValidateKey(ctx, "LIC-0001-AAAA").Valid)
	require.Equal(t, 1, c.CacheStats().Total)

	a.setResponse(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":"License revoked","error_code":"REVOKED"}`)
	})
	res := c.ValidateKey(ctx, "LIC-0001-AAAA", WithoutCache())
	assert.False(t, res.Valid)
	assert.Equal(t, "REVOKED", res.ErrorCode)
	assert.True(t, res.IsSecurityViolation())
	assert.Equal(t, CacheStats{}, c.CacheStats())

	// failures are never cached
	res = c.ValidateKey(ctx, "LIC-0001-AAAA")
	assert.False(t, res.Valid)
	assert.Equal(t, int32(3), a.validates.Load())
}

func TestClientBlankKey(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))

	for _, key := range []string{"", "   "} {
		res := c.ValidateKey(context.Background(), key)
		assert.False(t, res.Valid)
		assert.Equal(t, ErrCodeInvalidInput, res.ErrorCode)
		assert.Equal(t, "License key cannot be empty", res.Message)
	}
	assert.Zero(t, a.validates.Load())
	assert.Equal(t, CacheStats{}, c.CacheStats())
}

func TestClientCoalescesConcurrentMisses(t *testing.T) {
	a := newAuthority(t)
	release := make(chan struct{})
	a.setResponse(func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, http.StatusOK, `{"valid":true,"message":"ok"}`)
	})
	c := newTestClient(t, testClientConfig(a.srv.URL))

	const callers = 5
	results := make([]ValidationResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.ValidateKey(context.Background(), "LIC-SHARED-0001")
		}(i)
	}

	require.Eventually(t, func() bool { return a.validates.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), a.validates.Load())
	for _, res := range results {
		assert.True(t, res.Valid)
	}
}

func TestClientCallerCancellation(t *testing.T) {
	a := newAuthority(t)
	release := make(chan struct{})
	a.setResponse(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		writeJSON(w, http.StatusOK, `{"valid":true}`)
	})
	t.Cleanup(func() { close(release) })
	c := newTestClient(t, testClientConfig(a.srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan ValidationResult, 1)
	go func() { done <- c.ValidateKey(ctx, "LIC-0001-AAAA") }()

	require.Eventually(t, func() bool { return a.validates.Load() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.False(t, res.Valid)
		assert.Equal(t, ErrCodeCancelled, res.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("ValidateKey ignored cancellation")
	}
}

func TestClientSoleCallerCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	hc := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})}
	cfg := testClientConfig("https://authority.test")
	cfg.RetryBaseDelay = 100 * time.Millisecond
	c := newTestClient(t, cfg, WithHTTPClient(hc))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	res := c.ValidateKey(ctx, "LIC-0001-AAAA")
	assert.Equal(t, ErrCodeCancelled, res.ErrorCode)

	// the first retry would have fired 200ms after the first failure
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientCloseWaitsForInflight(t *testing.T) {
	a := newAuthority(t)
	release := make(chan struct{})
	a.setResponse(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		<-release
		writeJSON(w, http.StatusOK, `{"valid":true,"message":"ok"}`)
	})
	c := newTestClient(t, testClientConfig(a.srv.URL))

	done := make(chan ValidationResult, 1)
	go func() { done <- c.ValidateKey(context.Background(), "LIC-0001-AAAA") }()
	require.Eventually(t, func() bool { return a.validates.Load() == 1 }, time.Second, time.Millisecond)

	closed := make(chan struct{})
	go func() {
		_ = c.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not cancel the in-flight validation")
	}
	close(release)

	res := <-done
	assert.False(t, res.Valid)
	assert.Equal(t, CacheStats{}, c.CacheStats())
}

func TestClientAuthenticateReportsViolations(t *testing.T) {
	tests := []struct {
		name           string
		report         bool
		wantViolations int32
	}{
		{"reporting enabled", true, 1},
		{"reporting disabled", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAuthority(t)
			a.setResponse(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusForbidden, `{"error":"Hardware ID mismatch","error_code":"HWID_MISMATCH"}`)
			})
			cfg := testClientConfig(a.srv.URL)
			cfg.ReportSecurityViolations = tt.report
			c := newTestClient(t, cfg)

			res := c.Authenticate(context.Background(), "LIC-0001-AAAA")

			assert.False(t, res.Success)
			assert.Equal(t, "HWID_MISMATCH", res.ErrorCode)
			assert.True(t, res.IsSecurityViolation())
			assert.Equal(t, "LIC-****AAAA", res.LicenseKey)
			assert.Equal(t, c.Fingerprint(), res.Fingerprint)
			assert.Equal(t, tt.wantViolations, a.violations.Load())
		})
	}
}

func TestClientAuthenticateCountsViolationOnce(t *testing.T) {
	a := newAuthority(t)
	a.setResponse(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, `{"error":"License has been revoked","error_code":"REVOKED"}`)
	})
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	cfg := testClientConfig(a.srv.URL)
	cfg.ReportSecurityViolations = true
	c := newTestClient(t, cfg, WithMeter(provider.Meter("test")))

	res := c.Authenticate(context.Background(), "LIC-0001-AAAA")
	require.Equal(t, ErrCodeRevoked, res.ErrorCode)
	assert.Equal(t, int32(1), a.violations.Load())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(1), counterTotal(rm, "license_security_events_total"))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestClientAuthenticateSuccess(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))

	res := c.Authenticate(context.Background(), "LIC-0001-AAAA")
	assert.True(t, res.Success)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, "pro", res.Metadata.Tier)

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "LIC-0001-AAAA")
}

func TestClientAnalytics(t *testing.T) {
	a := newAuthority(t)

	disabled := newTestClient(t, testClientConfig(a.srv.URL))
	_, err := disabled.Analytics(context.Background())
	assert.ErrorIs(t, err, ErrAnalyticsDisabled)

	cfg := testClientConfig(a.srv.URL)
	cfg.EnableAnalytics = true
	enabled := newTestClient(t, cfg)
	data, err := enabled.Analytics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, data.TodayValidations)
}

func TestClientTestConnection(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))

	ok, msg := c.TestConnection(context.Background())
	assert.True(t, ok)
	assert.NotEmpty(t, msg)
}

func TestClientLogSecurityViolation(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))

	c.LogSecurityViolation(context.Background(), "TAMPERING", "debugger attached")
	assert.Equal(t, int32(1), a.violations.Load())
}

func TestClientClose(t *testing.T) {
	a := newAuthority(t)
	c := newTestClient(t, testClientConfig(a.srv.URL))
	require.True(t, c.ValidateKey(context.Background(), "LIC-0001-AAAA").Valid)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, CacheStats{}, c.CacheStats())
	res := c.ValidateKey(context.Background(), "LIC-0001-AAAA")
	assert.False(t, res.Valid)
	assert.Equal(t, int32(1), a.validates.Load())

	_, err := c.Analytics(context.Background())
	assert.ErrorIs(t, err, ErrClientClosed)
	ok, _ := c.TestConnection(context.Background())
	assert.False(t, ok)
}

func TestClientCustomMethod(t *testing.T) {
	a := newAuthority(t)
	cfg := testClientConfig(a.srv.URL)
	cfg.HWIDMethod = "custom"
	cfg.CustomHardwareID = "fleet-device-42"
	c := newTestClient(t, cfg)

	other := testClientConfig(a.srv.URL)
	other.HWIDMethod = "custom"
	other.CustomHardwareID = "fleet-device-43"
	d := newTestClient(t, other)

	assert.Equal(t, security.MethodCustom, c.Method())
	assert.NotEqual(t, c.Fingerprint(), d.Fingerprint())
}

func TestClientNeverLogsSecrets(t *testing.T) {
	fake := testutil.NewAuthority(t)
	fake.SetKey("LIC-GOOD-0001-SECRET", testutil.ValidResponse)
	fake.SetKey("LIC-BAD-0002-SECRET", testutil.HWIDMismatchResponse)

	cfg := testClientConfig(fake.URL)
	cfg.ReportSecurityViolations = true
	logger, rec := testutil.NewTestLogger()
	c := newTestClient(t, cfg, WithLogger(logger))

	ctx := context.Background()
	assert.True(t, c.ValidateKey(ctx, "LIC-GOOD-0001-SECRET").Valid)
	assert.True(t, c.ValidateKey(ctx, "LIC-GOOD-0001-SECRET").FromCache)
	auth := c.Authenticate(ctx, "LIC-BAD-0002-SECRET")
	assert.Equal(t, ErrCodeHWIDMismatch, auth.ErrorCode)

	testutil.AssertLogged(t, rec, slog.LevelWarn, "security violation detected")
	testutil.AssertNoSecret(t, rec, "LIC-GOOD-0001-SECRET")
	testutil.AssertNoSecret(t, rec, "LIC-BAD-0002-SECRET")
	testutil.AssertNoSecret(t, rec, cfg.AppSecret)

	assert.Equal(t, 2, fake.Calls("/validate"))
	require.Len(t, fake.Violations(), 1)
	assert.Equal(t, c.Fingerprint(), fake.Violations()[0].HardwareID)
}

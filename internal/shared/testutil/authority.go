package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Response is a canned authority reply.
type Response struct {
	Status int
	Body   string
}

// Canned validation replies in the authority's wire format.
var (
	ValidResponse = Response{http.StatusOK, `{"valid":true,"message":"License is valid","request_id":"req-fixture",` +
		`"key_data":{"tier":"pro","current_uses":1,"max_uses":10,"expires_at":"2030-01-01T00:00:00Z"}}`}
	RevokedResponse      = Response{http.StatusForbidden, `{"error":"License has been revoked","error_code":"REVOKED"}`}
	HWIDMismatchResponse = Response{http.StatusForbidden, `{"error":"Hardware ID mismatch","error_code":"HWID_MISMATCH"}`}
	UnknownKeyResponse   = Response{http.StatusNotFound, `{"error":"License key not found","error_code":"INVALID_KEY"}`}

	AnalyticsResponse = Response{http.StatusOK, `{"success":true,"data":{"today_validations":3,"week_validations":12,` +
		`"month_validations":40,"success_rate":66.7,"active_licenses":5,"revoked_licenses":1,` +
		`"error_breakdown":{"REVOKED":1,"HWID_MISMATCH":2},` +
		`"daily_stats":[{"date":"2025-01-01","total_validations":3,"successful_validations":2,"failed_validations":1}]}}`}
)

// Violation is a security report received by the fake authority.
type Violation struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	HardwareID string `json:"hardware_id"`
	Timestamp  int64  `json:"timestamp"`
}

// Authority is an in-process license authority. Keys answer with the
// response set for them and UnknownKeyResponse otherwise. Point the client
// at URL.
type Authority struct {
	*httptest.Server

	mu         sync.Mutex
	keys       map[string]Response
	analytics  Response
	calls      map[string]int
	violations []Violation
}

// NewAuthority starts a fake authority that is closed when t ends.
func NewAuthority(t testing.TB) *Authority {
	t.Helper()
	a := &Authority{
		keys:      make(map[string]Response),
		analytics: AnalyticsResponse,
		calls:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /validate", a.validate)
	mux.HandleFunc("GET /analytics/validation-stats", a.stats)
	mux.HandleFunc("POST /security/log-violation", a.logViolation)
	a.Server = httptest.NewServer(a.count(mux))
	t.Cleanup(a.Close)
	return a
}

// SetKey sets the reply for licenseKey.
func (a *Authority) SetKey(licenseKey string, resp Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[licenseKey] = resp
}

// SetAnalytics sets the analytics reply.
func (a *Authority) SetAnalytics(resp Response) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.analytics = resp
}

// Calls reports how many requests reached path.
func (a *Authority) Calls(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[path]
}

// Violations returns the security reports received so far.
func (a *Authority) Violations() []Violation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Violation(nil), a.violations...)
}

func (a *Authority) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.mu.Lock()
		a.calls[r.URL.Path]++
		a.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (a *Authority) validate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LicenseKey string `json:"license_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		write(w, Response{http.StatusBadRequest, `{"error":"Malformed request","error_code":"BAD_REQUEST"}`})
		return
	}
	a.mu.Lock()
	resp, ok := a.keys[req.LicenseKey]
	a.mu.Unlock()
	if !ok {
		resp = UnknownKeyResponse
	}
	write(w, resp)
}

func (a *Authority) stats(w http.ResponseWriter, _ *http.Request) {
	a.mu.Lock()
	resp := a.analytics
	a.mu.Unlock()
	write(w, resp)
}

func (a *Authority) logViolation(w http.ResponseWriter, r *http.Request) {
	var v Violation
	if err := json.NewDecoder(r.Body).Decode(&v); err == nil {
		a.mu.Lock()
		a.violations = append(a.violations, v)
		a.mu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

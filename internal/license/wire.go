package license

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Endpoint paths relative to the configured API URL.
const (
	validatePath     = "/validate"
	analyticsPath    = "/analytics/validation-stats?period=30d"
	securityLogPath  = "/security/log-violation"
	maxResponseBytes = 1 << 20

	// maxBackoff bounds a single wait between attempts.
	maxBackoff = 10 * time.Minute
)

type validateRequest struct {
	AppID      string `json:"app_id"`
	AppSecret  string `json:"app_secret"`
	AppName    string `json:"app_name"`
	LicenseKey string `json:"license_key"`
	HardwareID string `json:"hardware_id"`
}

type testConnectionRequest struct {
	AppID      string `json:"app_id"`
	AppSecret  string `json:"app_secret"`
	LicenseKey string `json:"license_key"`
	HardwareID string `json:"hardware_id"`
}

type validateResponse struct {
	Valid     *bool    `json:"valid"`
	Message   *string  `json:"message"`
	ErrorCode string   `json:"error_code"`
	RequestID string   `json:"request_id"`
	KeyData   *keyData `json:"key_data"`
}

type keyData struct {
	Tier        *string        `json:"tier"`
	ExpiresAt   wireTime       `json:"expires_at"`
	CurrentUses int            `json:"current_uses"`
	MaxUses     *int           `json:"max_uses"`
	IsRevoked   bool           `json:"is_revoked"`
	IsSuspended bool           `json:"is_suspended"`
	ActivatedAt wireTime       `json:"activated_at"`
	Metadata    map[string]any `json:"metadata"`
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	RequestID string `json:"request_id"`
}

type securityViolationRequest struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	HardwareID string `json:"hardware_id"`
	Timestamp  int64  `json:"timestamp"`
}

type analyticsResponse struct {
	Success bool           `json:"success"`
	Data    *analyticsBody `json:"data"`
}

type analyticsBody struct {
	TodayValidations int            `json:"today_validations"`
	WeekValidations  int            `json:"week_validations"`
	MonthValidations int            `json:"month_validations"`
	SuccessRate      float64        `json:"success_rate"`
	ActiveLicenses   int            `json:"active_licenses"`
	RevokedLicenses  int            `json:"revoked_licenses"`
	ErrorBreakdown   map[string]int `json:"error_breakdown"`
	DailyStats       []dailyStats   `json:"daily_stats"`
}

type dailyStats struct {
	Date                  wireTime `json:"date"`
	TotalValidations      int      `json:"total_validations"`
	SuccessfulValidations int      `json:"successful_validations"`
	FailedValidations     int      `json:"failed_validations"`
}

// wireTime accepts the timestamp layouts the authority has been seen to
// emit. Values it cannot parse decode as absent instead of failing the
// whole response.
type wireTime struct {
	t *time.Time
}

var wireTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func (w *wireTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		w.t = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// numbers are unix seconds
		var secs int64
		if err := json.Unmarshal(data, &secs); err == nil {
			t := time.Unix(secs, 0).UTC()
			w.t = &t
		}
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range wireTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			w.t = &t
			return nil
		}
	}
	w.t = nil
	return nil
}

func (w wireTime) ptr() *time.Time { return w.t }

func (w wireTime) value() time.Time {
	if w.t == nil {
		return time.Time{}
	}
	return *w.t
}

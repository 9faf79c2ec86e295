package license

import (
	"strings"
	"time"
)

// ValidationResult is the outcome of validating a license key. Every
// failure mode is expressed through Valid, ErrorCode and Message; callers
// never need to handle a Go error to interpret a validation.
type ValidationResult struct {
	Valid     bool             `json:"valid"`
	Message   string           `json:"message"`
	ErrorCode string           `json:"error_code,omitempty"`
	Metadata  *LicenseMetadata `json:"metadata,omitempty"`
	FromCache bool             `json:"from_cache"`
	Timestamp time.Time        `json:"timestamp"`
	RequestID string           `json:"request_id,omitempty"`
}

// IsSecurityViolation reports whether the result signals tampering or a
// revoked license.
func (r ValidationResult) IsSecurityViolation() bool {
	return IsSecurityViolation(r.ErrorCode, r.Message)
}

// LicenseMetadata describes the license behind a successful validation.
type LicenseMetadata struct {
	Tier             string         `json:"tier"`
	ExpiresAt        *time.Time     `json:"expires_at,omitempty"`
	UsageCount       int            `json:"usage_count"`
	MaxUses          *int           `json:"max_uses,omitempty"`
	IsRevoked        bool           `json:"is_revoked"`
	IsSuspended      bool           `json:"is_suspended"`
	BoundFingerprint string         `json:"bound_fingerprint"`
	ActivatedAt      *time.Time     `json:"activated_at,omitempty"`
	LastValidatedAt  *time.Time     `json:"last_validated_at,omitempty"`
	Attributes       map[string]any `json:"attributes,omitempty"`
}

// IsUnlimited reports whether the license has no usage cap.
func (m *LicenseMetadata) IsUnlimited() bool {
	return m.MaxUses == nil
}

// IsExpired reports whether the license expiry is at or before now.
func (m *LicenseMetadata) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// IsUsageLimitReached reports whether a capped license has used up its cap.
func (m *LicenseMetadata) IsUsageLimitReached() bool {
	return m.MaxUses != nil && m.UsageCount >= *m.MaxUses
}

func (m *LicenseMetadata) clone() *LicenseMetadata {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attributes != nil {
		c.Attributes = make(map[string]any, len(m.Attributes))
		for k, v := range m.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// AuthenticationResult is the outcome of Client.Authenticate. The license
// key is masked.
type AuthenticationResult struct {
	Success     bool             `json:"success"`
	Message     string           `json:"message"`
	ErrorCode   string           `json:"error_code,omitempty"`
	Metadata    *LicenseMetadata `json:"metadata,omitempty"`
	Fingerprint string           `json:"hardware_id"`
	LicenseKey  string           `json:"license_key"`
	RequestID   string           `json:"request_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// IsSecurityViolation reports whether the authentication failed for a
// security reason.
func (r AuthenticationResult) IsSecurityViolation() bool {
	return IsSecurityViolation(r.ErrorCode, r.Message)
}

// AnalyticsData summarises validation activity for the application.
type AnalyticsData struct {
	TodayValidations int            `json:"today_validations"`
	WeekValidations  int            `json:"week_validations"`
	MonthValidations int            `json:"month_validations"`
	SuccessRate      float64        `json:"success_rate"`
	ActiveLicenses   int            `json:"active_licenses"`
	RevokedLicenses  int            `json:"revoked_licenses"`
	ErrorBreakdown   map[string]int `json:"error_breakdown"`
	DailyStats       []DailyStats   `json:"daily_stats"`
}

// DailyStats is one day of validation counts.
type DailyStats struct {
	Date                  time.Time `json:"date"`
	TotalValidations      int       `json:"total_validations"`
	SuccessfulValidations int       `json:"successful_validations"`
	FailedValidations     int       `json:"failed_validations"`
}

// CacheStats counts cache entries. Expired entries stay in the cache until
// they are overwritten, evicted or cleared.
type CacheStats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Expired int `json:"expired"`
}

// IsSecurityViolation classifies an error code and message. HWID_MISMATCH
// and REVOKED codes count, as does any message mentioning a security
// violation.
func IsSecurityViolation(errorCode, message string) bool {
	if strings.EqualFold(errorCode, ErrCodeHWIDMismatch) || strings.EqualFold(errorCode, ErrCodeRevoked) {
		return true
	}
	return strings.Contains(strings.ToUpper(message), "SECURITY VIOLATION")
}

package license

import "errors"

// Error codes carried by ValidationResult.ErrorCode. Codes produced by the
// authority itself (HWID_MISMATCH, REVOKED, ...) are passed through as-is.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNetworkError       = "NETWORK_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeMaxRetriesExceeded = "MAX_RETRIES_EXCEEDED"
	ErrCodeUnknown            = "UNKNOWN_ERROR"
	ErrCodeCancelled          = "CANCELLED"

	ErrCodeHWIDMismatch = "HWID_MISMATCH"
	ErrCodeRevoked      = "REVOKED"
)

// Sentinel errors for the operations that return an error.
var (
	ErrInvalidConfig        = errors.New("invalid license client configuration")
	ErrAnalyticsDisabled    = errors.New("analytics are disabled in the client configuration")
	ErrAnalyticsUnavailable = errors.New("analytics request failed")
	ErrClientClosed         = errors.New("license client is closed")
)

// Messages for results produced locally rather than by the authority.
const (
	msgEmptyLicenseKey = "License key cannot be empty"
	msgEmptyHardwareID = "Hardware ID cannot be empty"
	msgTimeout         = "Request timeout - please check your internet connection"
	msgMaxRetries      = "Maximum retry attempts exceeded"
	msgCancelled       = "Validation cancelled"
	msgClosed          = "License client is closed"
	msgUnknownResponse = "Unknown response"
)

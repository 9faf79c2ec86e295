package http

import (
	"context"

	"authme/internal/license"
	"authme/internal/security"
)

// LicenseService is the subset of *license.Client the handlers use.
type LicenseService interface {
	ValidateKey(ctx context.Context, licenseKey string, opts ...license.ValidateOption) license.ValidationResult
	CacheStats() license.CacheStats
	ClearCache()
	TestConnection(ctx context.Context) (bool, string)
	Analytics(ctx context.Context) (*license.AnalyticsData, error)
	HardwareInfo(ctx context.Context) map[string]string
	IsVirtualMachine(ctx context.Context) bool
	Fingerprint() string
	Method() security.Method
}

var _ LicenseService = (*license.Client)(nil)

package middleware

import (
	"context"

	"authme/internal/license"
)

// Validator validates license keys. *license.Client satisfies it.
type Validator interface {
	ValidateKey(ctx context.Context, licenseKey string, opts ...license.ValidateOption) license.ValidationResult
}

var _ Validator = (*license.Client)(nil)

package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"authme/internal/license"
)

// FromError maps errors returned by the license client to API errors.
// Unknown errors become ErrInternalServer.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return FromValidation(verrs)
	}

	switch {
	case errors.Is(err, license.ErrAnalyticsDisabled):
		return ErrAnalyticsDisabled
	case errors.Is(err, license.ErrAnalyticsUnavailable):
		return ErrUpstreamUnavailable.WithDetails(err.Error())
	case errors.Is(err, license.ErrClientClosed):
		return ErrServiceUnavailable
	case errors.Is(err, license.ErrInvalidConfig):
		return ErrInternalServer.WithDetails(err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return New(http.StatusGatewayTimeout, "TIMEOUT", "Request timed out")
	case errors.Is(err, context.Canceled):
		return New(StatusClientClosedRequest, "CANCELLED", "Request cancelled")
	default:
		return ErrInternalServer
	}
}

// FromValidation converts validator errors into field-level messages keyed
// by the JSON field name.
func FromValidation(verrs validator.ValidationErrors) *APIError {
	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, ValidationError{
			Field:   fe.Field(),
			Message: describeField(fe),
		})
	}
	return NewValidationErrors(out)
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "printascii":
		return fe.Field() + " must contain printable ASCII characters only"
	default:
		return strings.TrimSpace(fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
	}
}

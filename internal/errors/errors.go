package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// StatusClientClosedRequest is the nginx convention for a request the
// client abandoned before a response was written.
const StatusClientClosedRequest = 499

// APIError is the error body rendered by the sidecar. It doubles as a Go
// error so handlers can return it through FromError.
type APIError struct {
	StatusCode int    `json:"status_code"`
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	Details    any    `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

// Render sets the response status for chi/render.
func (e *APIError) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// New builds an APIError.
func New(status int, code, message string) *APIError {
	return &APIError{StatusCode: status, ErrorCode: code, Message: message}
}

// WithDetails returns a copy of e carrying details. The package level
// errors are shared and must stay untouched.
func (e *APIError) WithDetails(details any) *APIError {
	c := *e
	c.Details = details
	return &c
}

var (
	ErrInvalidRequest      = New(http.StatusBadRequest, "INVALID_REQUEST", "Invalid request format")
	ErrValidationFailed    = New(http.StatusBadRequest, "VALIDATION_FAILED", "Request validation failed")
	ErrAnalyticsDisabled   = New(http.StatusForbidden, "ANALYTICS_DISABLED", "Analytics are disabled for this client")
	ErrNotFound            = New(http.StatusNotFound, "NOT_FOUND", "Resource not found")
	ErrMethodNotAllowed    = New(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	ErrPayloadTooLarge     = New(http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body too large")
	ErrInternalServer      = New(http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "Internal server error")
	ErrUpstreamUnavailable = New(http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "License authority request failed")
	ErrServiceUnavailable  = New(http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "License client is shutting down")
)

// InvalidRequestWithError reports a request body that could not be decoded.
func InvalidRequestWithError(err error) *APIError {
	return ErrInvalidRequest.WithDetails(err.Error())
}

// ValidationError is one rejected request field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is the Details payload of ErrValidationFailed.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// NewValidationErrors lists every rejected field.
func NewValidationErrors(errs []ValidationError) *APIError {
	return ErrValidationFailed.WithDetails(ValidationErrors{Errors: errs})
}

type panicDetails struct {
	Panic string `json:"panic"`
}

// ErrPanic describes a recovered handler panic.
func ErrPanic(rec any) *APIError {
	return ErrInternalServer.WithDetails(panicDetails{Panic: fmt.Sprint(rec)})
}

// envelope wraps every error body as {"success":false,"error":...}.
type envelope struct {
	Success bool      `json:"success"`
	Error   *APIError `json:"error"`
}

func (e envelope) Render(w http.ResponseWriter, r *http.Request) error {
	return e.Error.Render(w, r)
}

// RenderError writes err through chi/render, falling back to WriteError.
func RenderError(w http.ResponseWriter, r *http.Request, err *APIError) {
	if render.Render(w, r, envelope{Error: err}) != nil {
		WriteError(w, ErrInternalServer)
	}
}

// WriteError writes err as JSON without chi/render, for code running
// outside the router.
func WriteError(w http.ResponseWriter, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	_ = json.NewEncoder(w).Encode(envelope{Error: err})
}

// Package http exposes a license.Client over a small local HTTP API so that
// processes which cannot link the Go client can still validate keys
// through one shared cache and fingerprint.
//
// # Routes
//
//	GET    /healthz
//	GET    /v1/license/hardware
//	POST   /v1/license/validate
//	GET    /v1/license/cache
//	DELETE /v1/license/cache
//	GET    /v1/license/connection
//	GET    /v1/license/analytics
//	GET    /v1/license/verify      (X-License-Key header; 204 or error)
//	GET    /metrics
//
// Handlers stay thin: they bind and validate the request, call the
// LicenseService and render the result. Errors are rendered through
// internal/errors as {"success":false,"error":{...}}.
package http

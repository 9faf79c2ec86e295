// Package middleware provides HTTP middleware for services that sit behind
// an AuthMe license: LicenseGate requires a valid key on every request it
// wraps, and SecurityHeaders hardens JSON responses.
//
// A typical chi setup:
//
//	gate := middleware.NewLicenseGate(client, logger,
//	    middleware.WithExcludedPaths("/healthz"))
//	r.Use(middleware.SecurityHeaders, gate.Handler)
//
// Handlers behind the gate read the accepted result with ResultFromContext.
package middleware

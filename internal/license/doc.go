// Package license validates license keys against the remote license
// authority on behalf of one device.
//
// # Components
//
//   - Client: the facade applications use. Owns the cache, the device
//     fingerprint and the API client.
//   - APIClient: one HTTP round-trip per attempt with timeout, retry and
//     exponential backoff.
//   - ValidationCache: successful results only, keyed by a BLAKE2b digest
//     of the license key and fingerprint.
//
// # Validation Flow
//
//	client, err := license.NewClient(cfg.Client)
//	res := client.ValidateKey(ctx, key)
//	if !res.Valid {
//		// res.ErrorCode is one of the ErrCode* constants or a code from the authority
//	}
//
// ValidateKey never returns an error. Transport failures, timeouts and
// cancellations all come back as a ValidationResult with Valid false and
// an ErrorCode. Any failed validation removes the cached entry for that
// key, so a revoked license stops validating on the next network check.
//
// Concurrent cache misses for the same key share a single request, which
// is cancelled once every waiting caller has given up.
//
// # Telemetry
//
// Spans are emitted under the "authme/license" tracer and metrics are
// created from the configured meter (see InitializeLicenseMetrics). License
// keys are never logged in full; log lines carry a masked form and a short
// hash for correlation.
package license

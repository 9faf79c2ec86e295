// Package shared holds code used across packages that belongs to no single
// domain.
//
// # Structure
//
//   - testutil: a recording slog handler with assertions, and a fake
//     license authority for end-to-end tests of the client, the sidecar and
//     the CLI
//
// testutil depends only on the standard library and testify so that any
// package, including internal/license, can use it from its tests.
package shared

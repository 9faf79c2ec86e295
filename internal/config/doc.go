// Package config loads and validates the license client configuration.
//
// # Configuration Sources
//
// Configuration is resolved in the following order, later sources
// overriding earlier ones:
//
//  1. Built-in defaults (Default)
//  2. A YAML file (explicit path, AUTHME_CONFIG, or authme.yaml)
//  3. Environment variables prefixed with AUTHME_
//
// # Environment Variables
//
// Nested sections map to underscore-joined names:
//
//	AUTHME_CLIENT_API_URL=https://authme.space/api
//	AUTHME_CLIENT_APP_ID=app_12345678
//	AUTHME_CLIENT_APP_SECRET=sk_0123456789abcdef
//	AUTHME_CLIENT_CACHE_TTL_SECONDS=3
//	AUTHME_CLIENT_HWID_METHOD=comprehensive
//	AUTHME_LOGGING_LEVEL=debug
//
// # Validation
//
// Load always validates the merged result. The rules mirror what the
// license authority accepts: an app id of at least 8 characters, an app
// secret of at least 16, an absolute API URL, a non-negative cache TTL,
// a positive request timeout and a retry budget of 0 to 10 attempts.
package config

package config

import "time"

// Application constants
const (
	AppName    = "AuthMe"
	AppVersion = "2.0.0"

	// EnvPrefix namespaces every environment variable read by Load.
	EnvPrefix = "AUTHME"
	// EnvConfigFile points Load at a YAML file when no path is given.
	EnvConfigFile = "AUTHME_CONFIG"

	UserAgent = "AuthMe-Go/" + AppVersion
)

// License authority defaults
const (
	DefaultAPIURL           = "https://authme.space/api"
	DefaultCacheTTLSeconds  = 3 // short on purpose: revocations must propagate quickly
	DefaultTimeoutSeconds   = 30
	DefaultMaxRetryAttempts = 3
	DefaultRetryBaseDelay   = 1 * time.Second
	DefaultHWIDMethod       = "comprehensive"

	MinAppIDLength     = 8
	MinAppSecretLength = 16
)

// Sidecar defaults
const (
	DefaultListenAddr   = "127.0.0.1:8787"
	DefaultReadTimeout  = 15 * time.Second
	DefaultWriteTimeout = 45 * time.Second
)

// Log and telemetry defaults
const (
	DefaultLogLevel       = "info"
	DefaultLogOutput      = "stdout"
	DefaultLogFilePath    = "logs/authme.log"
	DefaultServiceName    = "authme-license-client"
	DefaultTraceExporter  = "none"
	DefaultMetricExporter = "none"
)

// Package app wires the license sidecar together: logging, telemetry, the
// license client, the HTTP router and the server.
//
// # Initialization Flow
//
//  1. Initialize the global logger from the logging configuration
//  2. Initialize OpenTelemetry tracing and metrics
//  3. Create the license client and fingerprint the device
//  4. Build the router and the HTTP server
//
// # Usage
//
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//		return err
//	}
//	return application.Run(ctx)
//
// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// the server down and releases the license client, the telemetry providers
// and the log file. Initialization errors are returned to the caller; the
// package never exits the process.
package app

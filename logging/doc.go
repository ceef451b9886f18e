// Package logging provides a minimal logging interface and adapters for ExecMesh.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the dispatcher, transformer and stores use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ExecMeshLogger with component / execution context helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	d := dispatch.New(deps, func(o *dispatch.Options) { o.Logger = logger })
//
// Arguments after the message are slog style key/value pairs.
package logging

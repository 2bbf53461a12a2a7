// Package log builds the node's slog loggers.
//
// Every logger returned by NewLogger wraps its handler in SecureHandler,
// which masks control port credentials (passwords, 64-hex cookies,
// AUTHENTICATE lines) and onion service keys (ED25519-V3 blobs and the
// on-disk ed25519v1-secret header) by attribute key and by value pattern.
// Tor's own output is logged at LevelTrace, below slog.LevelDebug.
//
//	logger := log.NewLogger(os.Stderr, log.Level(verbose, trace), false)
//	slog.SetDefault(logger)
//
// The same logger is handed to tornago through tornago.NewSlogAdapter.
package log

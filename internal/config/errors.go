package config

import "errors"

// Validation errors returned by Config.Validate. Callers match them with errors.Is.
var (
	// ErrUnknownMode is returned when Mode is not one of the supported modes.
	ErrUnknownMode = errors.New("unknown mode: use new, running, limited or localhost")

	// ErrNoDataDir is returned when DataDir is empty.
	ErrNoDataDir = errors.New("data directory must not be empty")

	// ErrInvalidConnectTimeout is returned when ConnectTimeout is not positive.
	ErrInvalidConnectTimeout = errors.New("invalid connect timeout: must be positive")

	// ErrInvalidShutdownTimeout is returned when ShutdownTimeout is not positive.
	ErrInvalidShutdownTimeout = errors.New("invalid shutdown timeout: must be positive")

	// ErrInvalidRetry is returned when the retry attempts or window are not positive.
	ErrInvalidRetry = errors.New("invalid retry policy: attempts and window must be positive")

	// ErrInvalidPoolSize is returned when PoolSize is not positive.
	ErrInvalidPoolSize = errors.New("invalid pool size: must be positive")

	// ErrInvalidControlPort is returned when ControlPort is outside 1-65535.
	ErrInvalidControlPort = errors.New("invalid control port: must be between 1 and 65535")

	// ErrNegativeDelay is returned when a localhost delay is negative.
	ErrNegativeDelay = errors.New("invalid localhost delay: must be non-negative")

	// ErrInvalidSocksAddress is returned when SocksAddress is not host:port.
	ErrInvalidSocksAddress = errors.New("invalid socks address: must be host:port")

	// ErrInvalidOnionAddress is returned when limited mode has no valid onion address.
	ErrInvalidOnionAddress = errors.New("limited mode requires an onion address in host.onion:port form")

	// ErrMissingLocalPort is returned when limited mode has no local port.
	ErrMissingLocalPort = errors.New("limited mode requires a local port")

	// ErrConfigNotFound is returned when the configuration file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")
)

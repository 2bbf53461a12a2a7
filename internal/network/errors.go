package network

import "errors"

var (
	// ErrNotOnionAddress is returned by CreateSocket on a Tor node when the
	// peer host is not a .onion name.
	ErrNotOnionAddress = errors.New("peer address is not an onion address")

	// ErrNotReady is returned by CreateSocket before Tor is available.
	ErrNotReady = errors.New("network node is not ready")

	// ErrOperationCanceled is the cause of operations aborted by Shutdown.
	ErrOperationCanceled = errors.New("operation canceled by shutdown")

	// ErrConnectTimeout is the cause of connects exceeding the connect timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("network node already started")

	// ErrNodeClosed is returned by operations after Shutdown.
	ErrNodeClosed = errors.New("network node is shut down")
)

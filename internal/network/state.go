package network

// State is a node lifecycle state. States only move forward.
type State int

const (
	// StateCreated is the state before Start.
	StateCreated State = iota
	// StateAwaitingTor waits for the Tor instance.
	StateAwaitingTor
	// StateAwaitingHiddenService waits for the onion service to be published.
	StateAwaitingHiddenService
	// StateReady accepts inbound sockets.
	StateReady
	// StateShuttingDown releases resources.
	StateShuttingDown
	// StateClosed is final.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateAwaitingTor:
		return "AwaitingTor"
	case StateAwaitingHiddenService:
		return "AwaitingHiddenService"
	case StateReady:
		return "Ready"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateClosed:
		return "Closed"
	default:
		return "unknown"
	}
}

// stopping reports whether the node is being or has been shut down.
func (s State) stopping() bool {
	return s >= StateShuttingDown
}

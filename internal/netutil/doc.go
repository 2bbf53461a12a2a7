// Package netutil holds small network helpers used by the transport:
// ephemeral port allocation, onion address validation and local host
// detection.
package netutil

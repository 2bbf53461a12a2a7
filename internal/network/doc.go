// Package network runs the peer transport lifecycle: obtain Tor, publish
// the node's onion service, accept inbound sockets, open outbound sockets
// and shut everything down.
//
// TorNetworkNode is the production node. LocalhostNetworkNode implements the
// same state machine over plain TCP on localhost for tests and local
// development.
//
// All state transitions and SetupListener callbacks run on a single
// scheduler loop, so listeners never observe interleaved transport state.
// Blocking work (key backups, starting Tor, binding sockets, connecting)
// runs on a bounded worker pool and reports back to the loop.
package network

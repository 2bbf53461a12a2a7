// Package httpclient is a minimal HTTP client for external services that
// must be reached through the same Tor SOCKS5 proxy as the peer transport,
// such as price feeds or block explorer APIs. The limited Tor mode uses it
// to send its validation request to the node's own onion service.
//
// A Client allows one request at a time. A second call while one is in
// flight fails with ErrPendingRequest instead of queueing.
package httpclient

// Package model defines the value types shared across the transport layer.
//
//   - NodeAddress identifies a peer as host:port, where host is usually a
//     v3 onion hostname.
//   - Socks5Proxy identifies the local SOCKS5 endpoint used for outbound
//     connections.
//
// Both types are immutable and comparable, so they can be used as map keys.
package model

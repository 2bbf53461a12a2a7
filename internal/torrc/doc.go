// Package torrc reads, merges and renders Tor configuration.
//
// A Torrc is an ordered multimap: keys keep their first-seen position and a
// key may carry several values (Bridge, HiddenServicePort, ...). Key lookup
// is case-insensitive, like Tor itself.
//
// Merging is how layered configuration is built: defaults, then the user's
// torrc file, then bridges, then command-line overrides. A key present in a
// later layer replaces every value of that key in the earlier layers.
package torrc

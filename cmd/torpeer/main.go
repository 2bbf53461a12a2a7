// Package main provides the torpeer command.
//
// torpeer brings up a peer-to-peer node reachable as a Tor onion service,
// either by launching its own Tor, attaching to a system Tor, or using an
// externally managed onion service.
//
// Usage:
//
//	torpeer run
//	torpeer run --mode running --control-port 9051
//	torpeer check <host.onion:port>
//	torpeer history --format markdown
//
// See --help for all available options.
package main

func main() {
	Execute()
}

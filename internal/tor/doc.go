// Package tor obtains a usable Tor instance for the peer transport.
//
// A Mode is one of three variants:
//
//   - LaunchMode downloads a Tor Browser bundle once (Installer), writes a
//     merged torrc and launches a dedicated tor process via tornago.
//   - RunningMode attaches to a tor process that is already running through
//     its control port, using cookie then password authentication.
//   - LimitedMode uses an externally managed tor and onion service. It never
//     talks to the control port and instead proves the onion service forwards
//     to the local port with an HTTP token challenge through the SOCKS proxy.
//
// Each Mode yields a *Tor handle that exposes the SOCKS5 proxy and, for the
// control-backed variants, can find or create filesystem-backed v3 onion
// services.
//
// Failures carry an ErrorKind retrievable with Classify. The kind decides
// whether the caller reports a setup failure or asks the user for bridges.
package tor

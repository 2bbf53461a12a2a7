// Package journal keeps a SQLite record of node setup events: Tor ready,
// hidden service published (with the onion address), setup failures,
// custom bridge requests and shutdowns.
//
// A Recorder bound to a node implements network.SetupListener, so attaching
// it with AddSetupListener journals every bring-up. The last published
// address per mode survives restarts and backs the history command.
//
// The store is a single file opened through modernc.org/sqlite, which needs
// no cgo. WAL mode is enabled and writes go through one connection.
package journal

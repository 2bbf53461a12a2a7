// Package scheduler provides the two execution contexts of the transport.
//
// Loop is a single goroutine that runs posted tasks one at a time, in order.
// All node state transitions and listener callbacks run on it, so listeners
// never observe interleaved state.
//
// Pool is a bounded set of workers for blocking operations: downloads,
// file I/O, Tor launch and socket connects. Dispatch runs a function on the
// pool and posts its result back onto the loop.
package scheduler

package network

// SetupListener observes node bring-up. Callbacks run on the node's
// scheduler loop, one at a time.
//
// For each Start exactly one of OnHiddenServicePublished, OnSetupFailed or
// OnRequestCustomBridges ends the attempt, unless Shutdown ends it first.
type SetupListener interface {
	// OnTorNodeReady fires once Tor is usable. It always precedes
	// OnHiddenServicePublished.
	OnTorNodeReady()
	// OnHiddenServicePublished fires once the node address is set and
	// inbound sockets are accepted.
	OnHiddenServicePublished()
	// OnSetupFailed reports an I/O failure or a hidden service conflict.
	OnSetupFailed(err error)
	// OnRequestCustomBridges fires when Tor could not be started for any
	// other reason, typically because the default bridges are blocked. The
	// node shuts itself down afterwards.
	OnRequestCustomBridges()
}

// SetupListenerFuncs adapts optional functions to SetupListener.
type SetupListenerFuncs struct {
	TorNodeReady           func()
	HiddenServicePublished func()
	SetupFailed            func(err error)
	RequestCustomBridges   func()
}

var _ SetupListener = (*SetupListenerFuncs)(nil)

// OnTorNodeReady implements SetupListener.
func (f *SetupListenerFuncs) OnTorNodeReady() {
	if f.TorNodeReady != nil {
		f.TorNodeReady()
	}
}

// OnHiddenServicePublished implements SetupListener.
func (f *SetupListenerFuncs) OnHiddenServicePublished() {
	if f.HiddenServicePublished != nil {
		f.HiddenServicePublished()
	}
}

// OnSetupFailed implements SetupListener.
func (f *SetupListenerFuncs) OnSetupFailed(err error) {
	if f.SetupFailed != nil {
		f.SetupFailed(err)
	}
}

// OnRequestCustomBridges implements SetupListener.
func (f *SetupListenerFuncs) OnRequestCustomBridges() {
	if f.RequestCustomBridges != nil {
		f.RequestCustomBridges()
	}
}

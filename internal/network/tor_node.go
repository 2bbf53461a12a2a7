package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/netutil"
	"github.com/nao1215/torpeer/internal/scheduler"
	"github.com/nao1215/torpeer/internal/tor"
)

// TorNodeConfig configures a TorNetworkNode.
type TorNodeConfig struct {
	// Mode obtains Tor.
	Mode tor.Mode
	// LocalPort is the port the onion service forwards to. Zero picks a
	// free port. LimitedRunningTor always uses the mode's local port.
	LocalPort uint16
	// HiddenServicePort is the onion port, DefaultHiddenServicePort if zero.
	HiddenServicePort uint16
}

// TorNetworkNode publishes the node as an onion service and connects to
// peers through Tor.
type TorNetworkNode struct {
	*nodeCore
	cfg TorNodeConfig

	mu     sync.Mutex
	tor    *tor.Tor
	socket *HiddenServiceSocket
}

var _ NetworkNode = (*TorNetworkNode)(nil)

// NewTorNetworkNode creates a node using cfg.Mode.
func NewTorNetworkNode(cfg TorNodeConfig, opts ...Option) (*TorNetworkNode, error) {
	if cfg.Mode == nil {
		return nil, errors.New("tor network node requires a tor mode")
	}
	if lm, ok := cfg.Mode.(interface{ LocalPort() uint16 }); ok {
		cfg.LocalPort = lm.LocalPort()
	}
	return &TorNetworkNode{
		nodeCore: newNodeCore("tor", opts),
		cfg:      cfg,
	}, nil
}

// Mode returns the Tor mode in use.
func (n *TorNetworkNode) Mode() tor.Mode {
	return n.cfg.Mode
}

// Socket returns the hidden service socket once it is published.
func (n *TorNetworkNode) Socket() *HiddenServiceSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.socket
}

// Start implements NetworkNode.
func (n *TorNetworkNode) Start(listener SetupListener) error {
	if err := n.begin(listener); err != nil {
		return err
	}
	n.logger.Info("starting", "mode", n.cfg.Mode.Kind())
	n.loop.Post(n.backupKeys)
	return nil
}

// backupKeys runs the private key backup on a worker.
func (n *TorNetworkNode) backupKeys() {
	scheduler.Dispatch(n.ctx, n.pool, n.loop,
		func(context.Context) (struct{}, error) {
			return struct{}{}, n.cfg.Mode.BackupPrivateKey()
		},
		func(_ struct{}, err error) {
			if n.stopping() {
				return
			}
			if err != nil {
				n.fail(err)
				return
			}
			n.awaitTor()
		},
		nil,
	)
}

func (n *TorNetworkNode) awaitTor() {
	if !n.advance(StateAwaitingTor) {
		return
	}
	scheduler.Dispatch(n.ctx, n.pool, n.loop,
		n.cfg.Mode.GetTor,
		func(t *tor.Tor, err error) {
			if err != nil {
				if !n.stopping() {
					n.fail(err)
				}
				return
			}
			if !n.adopt(t) {
				n.release(t)
				return
			}
			n.mu.Lock()
			n.tor = t
			n.mu.Unlock()

			n.advance(StateAwaitingHiddenService)
			n.logger.Info("tor ready")
			n.notify(SetupListener.OnTorNodeReady)
			n.publish(t)
		},
		func(t *tor.Tor) {
			if t != nil {
				n.release(t)
			}
		},
	)
}

func (n *TorNetworkNode) publish(t *tor.Tor) {
	socket := NewHiddenServiceSocket(n.cfg.LocalPort, n.cfg.Mode.HiddenServiceDir(), n.cfg.HiddenServicePort, n.logger)
	kind := n.cfg.Mode.Kind()

	scheduler.Dispatch(n.ctx, n.pool, n.loop,
		func(ctx context.Context) (*HiddenServiceSocket, error) {
			if err := socket.Initialize(ctx, t, kind); err != nil {
				return nil, err
			}
			return socket, nil
		},
		func(s *HiddenServiceSocket, err error) {
			if err != nil {
				if !n.stopping() {
					n.fail(err)
				}
				return
			}
			addr, err := s.Address()
			if err == nil {
				err = n.setAddress(addr)
			}
			if err != nil {
				n.release(s)
				if !n.stopping() {
					n.fail(err)
				}
				return
			}
			if !n.adopt(s) {
				n.release(s)
				return
			}
			n.mu.Lock()
			n.socket = s
			n.mu.Unlock()

			n.serve(s.Listener())
			n.advance(StateReady)
			n.logger.Info("hidden service published", "address", addr.String(), "reused", s.Reused())
			n.notify(SetupListener.OnHiddenServicePublished)
		},
		func(s *HiddenServiceSocket) {
			if s != nil {
				n.release(s)
			}
		},
	)
}

// fail reports a setup failure. I/O failures and hidden service conflicts
// go to OnSetupFailed. Anything else most likely means Tor cannot reach the
// network without bridges, so the node asks for bridges and shuts down.
func (n *TorNetworkNode) fail(err error) {
	kind := tor.Classify(err)
	n.logger.Error("setup failed", "kind", kind, "error", err)
	switch kind {
	case tor.KindIOFailure, tor.KindHiddenServiceConflict:
		n.notify(func(l SetupListener) { l.OnSetupFailed(err) })
	default:
		n.notify(SetupListener.OnRequestCustomBridges)
		n.Shutdown(nil)
	}
}

// CreateSocket implements NetworkNode. peer must be an onion address. The
// connection goes through Tor's SOCKS5 proxy with remote name resolution.
func (n *TorNetworkNode) CreateSocket(ctx context.Context, peer model.NodeAddress) (net.Conn, error) {
	if !peer.IsOnion() {
		return nil, fmt.Errorf("%w: %s", ErrNotOnionAddress, peer.String())
	}
	if n.stopping() {
		return nil, ErrNodeClosed
	}
	n.mu.Lock()
	t := n.tor
	n.mu.Unlock()
	if t == nil {
		return nil, ErrNotReady
	}

	return n.connect(ctx, peer, func(ctx context.Context, addr string) (net.Conn, error) {
		p, err := t.Socks5Proxy(ctx)
		if err != nil {
			return nil, err
		}
		dialer, err := netutil.Socks5Dialer(p)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, "tcp", addr)
	})
}

// Shutdown implements NetworkNode. In-flight CreateSocket calls are
// canceled first, then the hidden service socket is closed and Tor is
// released.
func (n *TorNetworkNode) Shutdown(onComplete func()) {
	n.shutdown(onComplete)
}

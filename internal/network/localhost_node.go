package network

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/netutil"
	"github.com/nao1215/torpeer/internal/scheduler"
)

// LocalhostDelays simulates how long Tor takes in each phase.
type LocalhostDelays struct {
	// TorReady is the delay before OnTorNodeReady.
	TorReady time.Duration
	// HiddenServicePublished is the delay between binding the listener and
	// OnHiddenServicePublished.
	HiddenServicePublished time.Duration
}

// DefaultLocalhostDelays are short enough for tests and visible in logs.
var DefaultLocalhostDelays = LocalhostDelays{
	TorReady:               50 * time.Millisecond,
	HiddenServicePublished: 50 * time.Millisecond,
}

// LocalhostNetworkNode runs the node state machine over plain TCP on
// localhost. It never talks to Tor.
type LocalhostNetworkNode struct {
	*nodeCore
	port   uint16
	delays LocalhostDelays

	mu       sync.Mutex
	listener net.Listener
}

var _ NetworkNode = (*LocalhostNetworkNode)(nil)

// NewLocalhostNetworkNode creates a node listening on localhost:port. A zero
// port picks a free one.
func NewLocalhostNetworkNode(port uint16, delays LocalhostDelays, opts ...Option) (*LocalhostNetworkNode, error) {
	if port == 0 {
		free, err := netutil.FindFreePort()
		if err != nil {
			return nil, err
		}
		port = uint16(free) //nolint:gosec // FindFreePort returns a TCP port
	}
	return &LocalhostNetworkNode{
		nodeCore: newNodeCore("localhost", opts),
		port:     port,
		delays:   delays,
	}, nil
}

// Port returns the listening port.
func (n *LocalhostNetworkNode) Port() uint16 {
	return n.port
}

// Start implements NetworkNode. The node address is assigned immediately.
func (n *LocalhostNetworkNode) Start(listener SetupListener) error {
	if err := n.begin(listener); err != nil {
		return err
	}
	addr, err := model.NewNodeAddress("localhost", n.port)
	if err != nil {
		return err
	}
	if err := n.setAddress(addr); err != nil {
		return err
	}
	n.logger.Info("starting", "address", addr.String())

	n.loop.Post(func() {
		if !n.advance(StateAwaitingTor) {
			return
		}
		scheduler.Dispatch(n.ctx, n.pool, n.loop,
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, sleep(ctx, n.delays.TorReady)
			},
			func(_ struct{}, err error) {
				if err != nil || !n.advance(StateAwaitingHiddenService) {
					return
				}
				n.notify(SetupListener.OnTorNodeReady)
				n.publish()
			},
			nil,
		)
	})
	return nil
}

func (n *LocalhostNetworkNode) publish() {
	scheduler.Dispatch(n.ctx, n.pool, n.loop,
		func(ctx context.Context) (net.Listener, error) {
			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(n.port))))
			if err != nil {
				return nil, err
			}
			if err := sleep(ctx, n.delays.HiddenServicePublished); err != nil {
				_ = ln.Close()
				return nil, err
			}
			return ln, nil
		},
		func(ln net.Listener, err error) {
			if err != nil {
				if !n.stopping() {
					n.logger.Error("setup failed", "error", err)
					n.notify(func(l SetupListener) { l.OnSetupFailed(err) })
				}
				return
			}
			if !n.adopt(ln) {
				n.release(ln)
				return
			}
			n.mu.Lock()
			n.listener = ln
			n.mu.Unlock()

			n.serve(ln)
			n.advance(StateReady)
			n.notify(SetupListener.OnHiddenServicePublished)
		},
		func(ln net.Listener) { n.release(ln) },
	)
}

// CreateSocket implements NetworkNode with a direct TCP connection.
func (n *LocalhostNetworkNode) CreateSocket(ctx context.Context, peer model.NodeAddress) (net.Conn, error) {
	if n.stopping() {
		return nil, ErrNodeClosed
	}
	return n.connect(ctx, peer, func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	})
}

// Shutdown implements NetworkNode.
func (n *LocalhostNetworkNode) Shutdown(onComplete func()) {
	n.shutdown(onComplete)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

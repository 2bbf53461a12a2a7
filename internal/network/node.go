package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/scheduler"
)

// Node defaults.
const (
	// DefaultConnectTimeout bounds CreateSocket.
	DefaultConnectTimeout = 240 * time.Second
	// DefaultShutdownTimeout is when the shutdown watchdog completes
	// Shutdown regardless of pending cleanup.
	DefaultShutdownTimeout = 2 * time.Second
)

// NetworkNode is the transport endpoint of a peer.
type NetworkNode interface {
	// Start begins bring-up and returns immediately. listener, if non-nil,
	// is registered first. Progress is reported to the setup listeners.
	Start(listener SetupListener) error
	// CreateSocket opens a connection to peer.
	CreateSocket(ctx context.Context, peer model.NodeAddress) (net.Conn, error)
	// Shutdown releases everything and calls onComplete once, at the latest
	// when the shutdown timeout expires. Later calls do not restart the
	// shutdown; their onComplete runs once it has finished.
	Shutdown(onComplete func())
	// NodeAddress returns the node's own address once it is published.
	NodeAddress() (model.NodeAddress, bool)
	// State returns the lifecycle state.
	State() State
	// AddSetupListener registers l.
	AddSetupListener(l SetupListener)
	// RemoveSetupListener unregisters l.
	RemoveSetupListener(l SetupListener)
}

// Option configures a node.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	poolSize        int
	connectTimeout  time.Duration
	shutdownTimeout time.Duration
	handler         func(net.Conn)
}

func defaultOptions() options {
	return options{
		logger:          slog.Default(),
		poolSize:        scheduler.DefaultPoolSize,
		connectTimeout:  DefaultConnectTimeout,
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPoolSize bounds concurrent blocking operations.
func WithPoolSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.poolSize = n
		}
	}
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithShutdownTimeout overrides DefaultShutdownTimeout.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithConnectionHandler receives every inbound socket. Without a handler
// inbound sockets are closed immediately.
func WithConnectionHandler(fn func(net.Conn)) Option {
	return func(o *options) {
		o.handler = fn
	}
}

// nodeCore is the state machine shared by both node types.
type nodeCore struct {
	opts   options
	logger *slog.Logger
	loop   *scheduler.Loop
	pool   *scheduler.Pool

	// ctx ends when Shutdown begins.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	started   bool
	address   model.NodeAddress
	listeners []SetupListener
	// resources are closed in reverse order on shutdown.
	resources []io.Closer

	// opsMu guards ops independently of the loop because workers
	// register and remove entries.
	opsMu  sync.Mutex
	ops    map[uint64]context.CancelCauseFunc
	nextOp uint64

	// shutdownStarted and shutdownDone are guarded by mu. onComplete
	// callbacks that arrive before shutdownDone wait in completions.
	shutdownStarted bool
	shutdownDone    bool
	completions     []func()

	acceptWG sync.WaitGroup
}

func newNodeCore(name string, opts []Option) *nodeCore {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("node", name)

	ctx, cancel := context.WithCancel(context.Background())
	c := &nodeCore{
		opts:   o,
		logger: logger,
		loop:   scheduler.NewLoop(logger),
		pool:   scheduler.NewPool(o.poolSize, logger),
		ctx:    ctx,
		cancel: cancel,
		ops:    make(map[uint64]context.CancelCauseFunc),
	}
	c.loop.Start()
	return c
}

// begin marks the node started and registers listener.
func (c *nodeCore) begin(listener SetupListener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.stopping() {
		return ErrNodeClosed
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	if listener != nil && !slices.Contains(c.listeners, listener) {
		c.listeners = append(c.listeners, listener)
	}
	return nil
}

func (c *nodeCore) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// advance moves to s unless the node is shutting down. It reports whether
// the transition happened.
func (c *nodeCore) advance(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.stopping() || c.ctx.Err() != nil {
		return false
	}
	c.logger.Debug("state transition", "from", c.state, "to", s)
	c.state = s
	return true
}

// stopping reports whether Shutdown has been called.
func (c *nodeCore) stopping() bool {
	return c.ctx.Err() != nil || c.State().stopping()
}

func (c *nodeCore) NodeAddress() (model.NodeAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address, !c.address.IsZero()
}

// setAddress stores the node's own address. The address is write-once.
func (c *nodeCore) setAddress(addr model.NodeAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.address.IsZero() && c.address != addr {
		return fmt.Errorf("node address already set to %s, refusing %s", c.address, addr)
	}
	c.address = addr
	return nil
}

func (c *nodeCore) AddSetupListener(l SetupListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.listeners, l) {
		c.listeners = append(c.listeners, l)
	}
}

func (c *nodeCore) RemoveSetupListener(l SetupListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = slices.DeleteFunc(c.listeners, func(x SetupListener) bool { return x == l })
}

// notify calls fn for every listener. It must run on the loop.
func (c *nodeCore) notify(fn func(SetupListener)) {
	c.mu.Lock()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()
	for _, l := range listeners {
		fn(l)
	}
}

// adopt hands r to the node for release on shutdown. It returns false when
// the node is already shutting down; the caller then owns r.
func (c *nodeCore) adopt(r io.Closer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.stopping() || c.ctx.Err() != nil {
		return false
	}
	c.resources = append(c.resources, r)
	return true
}

// release closes r, logging failures. It is used for results that arrive
// after shutdown began.
func (c *nodeCore) release(r io.Closer) {
	if r == nil {
		return
	}
	if err := r.Close(); err != nil {
		c.logger.Warn("failed to release resource", "error", err)
	}
}

// serve accepts sockets from ln until it is closed.
func (c *nodeCore) serve(ln net.Listener) {
	c.acceptWG.Add(1)
	go func() {
		defer c.acceptWG.Done()
		for {
			conn, err := ln.Accept()
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if err != nil {
				c.logger.Warn("accept failed", "error", err)
				if c.ctx.Err() != nil {
					return
				}
				continue
			}
			c.logger.Debug("inbound connection", "remote", conn.RemoteAddr().String())
			if c.opts.handler == nil {
				_ = conn.Close()
				continue
			}
			go c.opts.handler(conn)
		}
	}()
}

// connect runs dial on the worker pool as a cancelable operation bounded
// by the connect timeout. A connection that completes after the operation
// was canceled is closed.
func (c *nodeCore) connect(ctx context.Context, peer model.NodeAddress, dial func(ctx context.Context, addr string) (net.Conn, error)) (net.Conn, error) {
	opCtx, cancelOp := context.WithCancelCause(ctx)
	defer cancelOp(nil)
	id, ok := c.track(cancelOp)
	if !ok {
		return nil, ErrNodeClosed
	}
	defer c.untrack(id)

	opCtx, cancelTimeout := context.WithTimeoutCause(opCtx, c.opts.connectTimeout, ErrConnectTimeout)
	defer cancelTimeout()

	type result struct {
		conn net.Conn
		err  error
	}
	results := make(chan result, 1)
	if err := c.pool.Go(opCtx, func(ctx context.Context) {
		conn, err := dial(ctx, peer.String())
		results <- result{conn: conn, err: err}
	}); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", peer, context.Cause(opCtx))
	}

	res := <-results
	if cause := context.Cause(opCtx); cause != nil {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return nil, fmt.Errorf("connect to %s: %w", peer, cause)
	}
	if res.err != nil {
		return nil, fmt.Errorf("connect to %s: %w", peer, res.err)
	}
	return res.conn, nil
}

func (c *nodeCore) track(cancel context.CancelCauseFunc) (uint64, bool) {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	if c.ctx.Err() != nil {
		return 0, false
	}
	c.nextOp++
	c.ops[c.nextOp] = cancel
	return c.nextOp, true
}

func (c *nodeCore) untrack(id uint64) {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	delete(c.ops, id)
}

// inFlightOps returns the number of tracked operations.
func (c *nodeCore) inFlightOps() int {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	return len(c.ops)
}

// cancelOps cancels every tracked operation and refuses new ones.
func (c *nodeCore) cancelOps() {
	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	c.cancel()
	for _, cancel := range c.ops {
		cancel(ErrOperationCanceled)
	}
}

// shutdown runs the shutdown sequence once. Every onComplete passed to it,
// including those of calls made while the sequence runs or after it ended,
// is called exactly once: when the sequence finishes, or by the watchdog if
// the sequence takes longer than the shutdown timeout.
func (c *nodeCore) shutdown(onComplete func()) {
	c.mu.Lock()
	if c.shutdownDone {
		c.mu.Unlock()
		if onComplete != nil {
			onComplete()
		}
		return
	}
	if onComplete != nil {
		c.completions = append(c.completions, onComplete)
	}
	if c.shutdownStarted {
		c.mu.Unlock()
		return
	}
	c.shutdownStarted = true
	c.mu.Unlock()

	var completeOnce sync.Once
	complete := func() {
		completeOnce.Do(c.complete)
	}
	watchdog := time.AfterFunc(c.opts.shutdownTimeout, func() {
		c.logger.Warn("shutdown timed out, completing anyway", "timeout", c.opts.shutdownTimeout)
		complete()
	})

	c.logger.Info("shutting down")
	c.cancelOps()

	begin := func() {
		c.mu.Lock()
		c.state = StateShuttingDown
		resources := c.resources
		c.resources = nil
		c.mu.Unlock()
		c.loop.Stop()

		go func() {
			for i := len(resources) - 1; i >= 0; i-- {
				c.release(resources[i])
			}
			c.acceptWG.Wait()
			c.pool.Wait()

			c.mu.Lock()
			c.state = StateClosed
			c.mu.Unlock()
			watchdog.Stop()
			c.logger.Info("shutdown complete")
			complete()
		}()
	}
	if !c.loop.Post(begin) {
		begin()
	}
}

// complete marks shutdown done and runs the queued completion callbacks
// outside mu.
func (c *nodeCore) complete() {
	c.mu.Lock()
	c.shutdownDone = true
	callbacks := c.completions
	c.completions = nil
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

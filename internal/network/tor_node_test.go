package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/tor"
)

func startTorNode(t *testing.T, mode tor.Mode, opts ...Option) (*TorNetworkNode, *recorder) {
	t.Helper()

	node, err := NewTorNetworkNode(TorNodeConfig{Mode: mode}, append([]Option{WithLogger(discardLogger())}, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	rec.node = node
	if err := node.Start(rec); err != nil {
		t.Fatal(err)
	}
	return node, rec
}

func TestTorNetworkNodePublishesExternalOnion(t *testing.T) {
	t.Parallel()

	node, rec := startTorNode(t, externalMode(t, blackhole(t)))
	waitFor(t, rec.published, "published")
	t.Cleanup(func() { shutdownAndWait(t, node) })

	if diff := cmp.Diff([]string{"ready", "published"}, rec.snapshot()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	addr, ok := node.NodeAddress()
	if !ok || addr.String() != testOnion+":9999" {
		t.Errorf("NodeAddress() = %v, %v", addr, ok)
	}
	if node.Socket() == nil || node.Socket().Listener() == nil {
		t.Error("expected a bound hidden service socket")
	}
}

func TestTorNetworkNodeCreateSocketPreconditions(t *testing.T) {
	t.Parallel()

	node, err := NewTorNetworkNode(TorNodeConfig{Mode: externalMode(t, blackhole(t))}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shutdownAndWait(t, node) })

	clearnet, err := model.NewNodeAddress("example.com", 80)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := node.CreateSocket(context.Background(), clearnet); !errors.Is(err, ErrNotOnionAddress) {
		t.Errorf("expected ErrNotOnionAddress, got %v", err)
	}

	onion, err := model.NewNodeAddress(testOnion, 9999)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := node.CreateSocket(context.Background(), onion); !errors.Is(err, ErrNotReady) {
		t.Errorf("expected ErrNotReady before start, got %v", err)
	}
}

func TestTorNetworkNodeShutdownCancelsConnects(t *testing.T) {
	t.Parallel()

	const n = 8
	node, rec := startTorNode(t, externalMode(t, blackhole(t)), WithPoolSize(n+2))
	waitFor(t, rec.published, "published")

	peer, err := model.NewNodeAddress(testOnion, 9999)
	if err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, n)
	for range n {
		go func() {
			conn, err := node.CreateSocket(context.Background(), peer)
			if conn != nil {
				_ = conn.Close()
			}
			errs <- err
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for node.inFlightOps() < n {
		if time.Now().After(deadline) {
			t.Fatalf("only %d connects in flight", node.inFlightOps())
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownAndWait(t, node)

	for range n {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrOperationCanceled) {
				t.Errorf("expected ErrOperationCanceled, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("CreateSocket did not return after shutdown")
		}
	}
	node.pool.Wait()
	if got := node.pool.InFlight(); got != 0 {
		t.Errorf("workers in flight = %d, want 0", got)
	}
	if got := node.inFlightOps(); got != 0 {
		t.Errorf("tracked operations = %d, want 0", got)
	}
}

func TestTorNetworkNodeFailurePolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		wantEvents []string
		wantClosed bool
	}{
		{
			name:       "io failure",
			err:        &tor.SetupError{Kind: tor.KindIOFailure, Op: "create tor directory", Err: errors.New("permission denied")},
			wantEvents: []string{"failed"},
		},
		{
			name:       "hidden service conflict",
			err:        fmt.Errorf("publish: %w", &tor.SetupError{Kind: tor.KindHiddenServiceConflict, Op: "create onion service", Err: errors.New("553")}),
			wantEvents: []string{"failed"},
		},
		{
			name:       "other failure asks for bridges and shuts down",
			err:        errors.New("tor did not bootstrap"),
			wantEvents: []string{"bridges"},
			wantClosed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mode := &fakeMode{
				kind: tor.ModeNewTor,
				dir:  t.TempDir(),
				getTor: func(context.Context) (*tor.Tor, error) {
					return nil, tt.err
				},
			}
			node, rec := startTorNode(t, mode)
			waitFor(t, rec.terminal, "terminal event")

			if diff := cmp.Diff(tt.wantEvents, rec.snapshot()); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
			if tt.wantClosed {
				deadline := time.Now().Add(5 * time.Second)
				for node.State() != StateClosed && time.Now().Before(deadline) {
					time.Sleep(5 * time.Millisecond)
				}
				if node.State() != StateClosed {
					t.Errorf("State() = %v, want Closed", node.State())
				}
				// The node shut itself down; a caller's Shutdown must still complete.
				shutdownAndWait(t, node)
				return
			}
			rec.mu.Lock()
			gotErr := rec.errs[0]
			rec.mu.Unlock()
			if !errors.Is(gotErr, tt.err) {
				t.Errorf("OnSetupFailed(%v), want %v", gotErr, tt.err)
			}
			shutdownAndWait(t, node)
		})
	}
}

func TestTorNetworkNodeShutdownDuringGetTor(t *testing.T) {
	t.Parallel()

	entered := make(chan struct{})
	mode := &fakeMode{
		kind: tor.ModeNewTor,
		dir:  t.TempDir(),
		getTor: func(ctx context.Context) (*tor.Tor, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	node, rec := startTorNode(t, mode)
	waitFor(t, entered, "GetTor")

	shutdownAndWait(t, node)
	time.Sleep(20 * time.Millisecond)
	if events := rec.snapshot(); len(events) != 0 {
		t.Errorf("expected no events after shutdown, got %v", events)
	}
}

func TestShutdownWatchdog(t *testing.T) {
	t.Parallel()

	c := newNodeCore("test", []Option{WithLogger(discardLogger()), WithShutdownTimeout(50 * time.Millisecond)})
	release := make(chan struct{})
	c.adopt(closerFunc(func() error {
		<-release
		return nil
	}))
	t.Cleanup(func() { close(release) })

	done := make(chan struct{})
	start := time.Now()
	c.shutdown(func() { close(done) })
	waitFor(t, done, "watchdog")
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("watchdog fired after %v", elapsed)
	}
}

func TestShutdownCompletesEveryCaller(t *testing.T) {
	t.Parallel()

	c := newNodeCore("test", []Option{WithLogger(discardLogger())})
	release := make(chan struct{})
	var closes int
	var mu sync.Mutex
	c.adopt(closerFunc(func() error {
		<-release
		mu.Lock()
		closes++
		mu.Unlock()
		return nil
	}))

	first := make(chan struct{})
	second := make(chan struct{})
	c.shutdown(nil)
	c.shutdown(func() { close(first) })
	c.shutdown(func() { close(second) })
	close(release)
	waitFor(t, first, "first completion")
	waitFor(t, second, "second completion")

	late := make(chan struct{})
	c.shutdown(func() { close(late) })
	waitFor(t, late, "completion after close")

	if c.State() != StateClosed {
		t.Errorf("State() = %v, want Closed", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if closes != 1 {
		t.Errorf("resource closed %d times, want 1", closes)
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestHiddenServiceSocketReuse(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	handle := tor.NewHandle(ctrl, discardLogger())
	dir := t.TempDir()
	ctx := context.Background()

	first := NewHiddenServiceSocket(0, dir, 9999, discardLogger())
	if err := first.Initialize(ctx, handle, tor.ModeRunningTor); err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	if first.Reused() {
		t.Error("first socket should create the service")
	}
	port := first.LocalPort()
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	second := NewHiddenServiceSocket(12345, dir, 9999, discardLogger())
	if err := second.Initialize(ctx, handle, tor.ModeRunningTor); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	if !second.Reused() {
		t.Error("second socket should reuse the service")
	}
	if second.OnionHostname() != first.OnionHostname() {
		t.Errorf("hostname changed: %q -> %q", first.OnionHostname(), second.OnionHostname())
	}
	if second.LocalPort() != port {
		t.Errorf("LocalPort() = %d, want adopted port %d", second.LocalPort(), port)
	}
	ctrl.mu.Lock()
	calls := ctrl.setConfCalls
	ctrl.mu.Unlock()
	if calls != 1 {
		t.Errorf("SETCONF called %d times, want 1", calls)
	}
}

func TestSetupListenerFuncs(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		events []string
	)
	add := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	l := &SetupListenerFuncs{
		TorNodeReady: func() { add("ready") },
		SetupFailed:  func(err error) { add("failed: " + err.Error()) },
	}
	l.OnTorNodeReady()
	l.OnHiddenServicePublished()
	l.OnSetupFailed(errors.New("boom"))
	l.OnRequestCustomBridges()

	if diff := cmp.Diff([]string{"ready", "failed: boom"}, events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	want := []string{"Created", "AwaitingTor", "AwaitingHiddenService", "Ready", "ShuttingDown", "Closed"}
	for i, w := range want {
		if got := State(i).String(); got != w {
			t.Errorf("State(%d).String() = %q, want %q", i, got, w)
		}
	}
}

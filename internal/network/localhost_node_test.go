package network

import (
	"bufio"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/nao1215/torpeer/internal/model"
)

func TestLocalhostNetworkNodeOrdering(t *testing.T) {
	t.Parallel()

	for run := range 100 {
		delays := LocalhostDelays{
			TorReady:               time.Duration(rand.IntN(3000)) * time.Microsecond,
			HiddenServicePublished: time.Duration(rand.IntN(3000)) * time.Microsecond,
		}
		node, err := NewLocalhostNetworkNode(0, delays, WithLogger(discardLogger()))
		if err != nil {
			t.Fatal(err)
		}
		rec := newRecorder()
		rec.node = node

		if err := node.Start(rec); err != nil {
			t.Fatalf("run %d: Start() error = %v", run, err)
		}
		waitFor(t, rec.published, "published")

		if diff := cmp.Diff([]string{"ready", "published"}, rec.snapshot()); diff != "" {
			t.Fatalf("run %d: events mismatch (-want +got):\n%s", run, diff)
		}
		rec.mu.Lock()
		addr := rec.addrAtPub
		rec.mu.Unlock()
		if addr.IsZero() {
			t.Fatalf("run %d: node address empty at publish", run)
		}
		if node.State() != StateReady {
			t.Fatalf("run %d: State() = %v, want Ready", run, node.State())
		}
		shutdownAndWait(t, node)
	}
}

func TestLocalhostNetworkNodeRoundTrip(t *testing.T) {
	t.Parallel()

	echo := func(conn net.Conn) {
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}
	node, err := NewLocalhostNetworkNode(0, LocalhostDelays{}, WithLogger(discardLogger()), WithConnectionHandler(echo))
	if err != nil {
		t.Fatal(err)
	}
	rec := newRecorder()
	if err := node.Start(rec); err != nil {
		t.Fatal(err)
	}
	waitFor(t, rec.published, "published")
	t.Cleanup(func() { shutdownAndWait(t, node) })

	self, ok := node.NodeAddress()
	if !ok {
		t.Fatal("expected node address")
	}
	if self.Host() != "localhost" || self.Port() != node.Port() {
		t.Errorf("NodeAddress() = %v", self)
	}

	peer, err := model.NewNodeAddress("127.0.0.1", node.Port())
	if err != nil {
		t.Fatal(err)
	}
	conn, err := node.CreateSocket(context.Background(), peer)
	if err != nil {
		t.Fatalf("CreateSocket() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line != "ping\n" {
		t.Errorf("echo = %q, want %q", line, "ping\n")
	}
}

func TestLocalhostNetworkNodeLifecycleErrors(t *testing.T) {
	t.Parallel()

	node, err := NewLocalhostNetworkNode(0, LocalhostDelays{}, WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if err := node.Start(nil); err != nil {
		t.Fatal(err)
	}
	if err := node.Start(nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}

	var completions atomic.Int32
	done := make(chan struct{})
	node.Shutdown(func() {
		completions.Add(1)
		close(done)
	})
	node.Shutdown(func() { completions.Add(1) })
	waitFor(t, done, "shutdown")
	time.Sleep(50 * time.Millisecond)

	if got := completions.Load(); got != 1 {
		t.Errorf("onComplete called %d times, want 1", got)
	}
	if node.State() != StateClosed {
		t.Errorf("State() = %v, want Closed", node.State())
	}
	if err := node.Start(nil); !errors.Is(err, ErrNodeClosed) {
		t.Errorf("Start() after shutdown = %v, want ErrNodeClosed", err)
	}
	peer, _ := model.NewNodeAddress("127.0.0.1", node.Port())
	if _, err := node.CreateSocket(context.Background(), peer); !errors.Is(err, ErrNodeClosed) {
		t.Errorf("CreateSocket() after shutdown = %v, want ErrNodeClosed", err)
	}
}

func TestLocalhostNetworkNodeConnectTimeout(t *testing.T) {
	t.Parallel()

	node, err := NewLocalhostNetworkNode(0, LocalhostDelays{},
		WithLogger(discardLogger()),
		WithConnectTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shutdownAndWait(t, node) })

	// 192.0.2.0/24 is reserved for documentation and never answers.
	peer, err := model.NewNodeAddress("192.0.2.1", 9)
	if err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	_, err = node.CreateSocket(context.Background(), peer)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("CreateSocket() took %v", time.Since(start))
	}
	var netErr net.Error
	if !errors.Is(err, ErrConnectTimeout) && !errors.As(err, &netErr) {
		t.Errorf("expected ErrConnectTimeout or a network error, got %v", err)
	}
}

package network

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cretz/bine/control"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/tor"
)

const testOnion = "2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid.onion"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMode is a tor.Mode returning a prepared handle or error.
type fakeMode struct {
	kind   tor.ModeKind
	dir    string
	getTor func(ctx context.Context) (*tor.Tor, error)
}

func (m *fakeMode) Kind() tor.ModeKind { return m.kind }

func (m *fakeMode) GetTor(ctx context.Context) (*tor.Tor, error) { return m.getTor(ctx) }

func (m *fakeMode) TorDir() string { return m.dir }

func (m *fakeMode) HiddenServiceDir() string { return filepath.Join(m.dir, tor.HiddenServiceDirName) }

func (m *fakeMode) BackupPrivateKey() error { return nil }

// externalMode returns a LimitedRunningTor style mode whose SOCKS proxy is
// socksAddr.
func externalMode(t *testing.T, socksAddr string) *fakeMode {
	t.Helper()

	socks, err := model.ParseSocks5Proxy(socksAddr)
	if err != nil {
		t.Fatal(err)
	}
	onion, err := model.NewNodeAddress(testOnion, 9999)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeMode{
		kind: tor.ModeLimitedRunningTor,
		dir:  t.TempDir(),
		getTor: func(context.Context) (*tor.Tor, error) {
			return tor.NewExternalHandle(socks, onion, discardLogger()), nil
		},
	}
}

// blackhole accepts TCP connections and never answers.
func blackhole(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

// recorder is a SetupListener that records events in order.
type recorder struct {
	mu        sync.Mutex
	events    []string
	addrAtPub model.NodeAddress
	node      NetworkNode
	errs      []error

	published chan struct{}
	terminal  chan struct{}
	once      sync.Once
}

func newRecorder() *recorder {
	return &recorder{
		published: make(chan struct{}),
		terminal:  make(chan struct{}),
	}
}

func (r *recorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) end() {
	r.once.Do(func() { close(r.terminal) })
}

func (r *recorder) OnTorNodeReady() { r.record("ready") }

func (r *recorder) OnHiddenServicePublished() {
	r.record("published")
	if r.node != nil {
		addr, _ := r.node.NodeAddress()
		r.mu.Lock()
		r.addrAtPub = addr
		r.mu.Unlock()
	}
	close(r.published)
	r.end()
}

func (r *recorder) OnSetupFailed(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.record("failed")
	r.end()
}

func (r *recorder) OnRequestCustomBridges() {
	r.record("bridges")
	r.end()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// shutdownAndWait shuts n down and waits for completion.
func shutdownAndWait(t *testing.T, n NetworkNode) {
	t.Helper()
	done := make(chan struct{})
	n.Shutdown(func() { close(done) })
	waitFor(t, done, "shutdown")
}

// fakeController emulates hidden service handling of the Tor control port.
type fakeController struct {
	mu           sync.Mutex
	conf         []*control.KeyVal
	setConfCalls int
}

func (f *fakeController) GetConf(...string) ([]*control.KeyVal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conf) == 0 {
		return []*control.KeyVal{{Key: "HiddenServiceOptions"}}, nil
	}
	return append([]*control.KeyVal(nil), f.conf...), nil
}

func (f *fakeController) SetConf(entries ...*control.KeyVal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setConfCalls++
	f.conf = entries
	for _, kv := range entries {
		if kv.Key != "HiddenServiceDir" {
			continue
		}
		if err := os.MkdirAll(kv.Val, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(kv.Val, "hostname"), []byte(testOnion+"\n"), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeController) GetInfo(...string) ([]*control.KeyVal, error) {
	return nil, nil
}

func (f *fakeController) Close() error { return nil }

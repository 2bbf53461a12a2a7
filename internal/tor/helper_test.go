package tor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/armon/go-socks5"
	"github.com/cretz/bine/control"
)

const testOnionHostname = "2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid.onion"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeController emulates the hidden service part of a Tor control port.
// SETCONF writes a hostname file into every new HiddenServiceDir.
type fakeController struct {
	mu sync.Mutex

	conf         []*control.KeyVal
	info         map[string]string
	setConfErr   error
	authErr      error
	setConfCalls int
	authCalls    []string
	closed       bool
}

func newFakeController() *fakeController {
	return &fakeController{info: map[string]string{}}
}

func (f *fakeController) GetConf(keys ...string) ([]*control.KeyVal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conf) == 0 {
		return []*control.KeyVal{{Key: "HiddenServiceOptions"}}, nil
	}
	out := make([]*control.KeyVal, 0, len(f.conf))
	for _, kv := range f.conf {
		out = append(out, control.NewKeyVal(kv.Key, kv.Val))
	}
	return out, nil
}

func (f *fakeController) SetConf(entries ...*control.KeyVal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setConfCalls++
	if f.setConfErr != nil {
		return f.setConfErr
	}
	f.conf = entries
	for _, kv := range entries {
		if kv.Key != "HiddenServiceDir" {
			continue
		}
		path := filepath.Join(kv.Val, hostnameFile)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(kv.Val, 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(testOnionHostname+"\n"), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeController) GetInfo(keys ...string) ([]*control.KeyVal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*control.KeyVal, 0, len(keys))
	for _, k := range keys {
		v, ok := f.info[k]
		if !ok {
			return nil, errors.New("unrecognized key " + k)
		}
		out = append(out, control.NewKeyVal(k, v))
	}
	return out, nil
}

func (f *fakeController) Authenticate(password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls = append(f.authCalls, password)
	return f.authErr
}

func (f *fakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeController) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setConfCalls
}

// fakeProcess records Stop calls.
type fakeProcess struct {
	mu      sync.Mutex
	stopped int
}

func (p *fakeProcess) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped++
	return nil
}

func (p *fakeProcess) stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// staticResolver resolves every name, including .onion, to loopback.
type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, _ string) (context.Context, net.IP, error) {
	return ctx, net.IPv4(127, 0, 0, 1), nil
}

// startSocks5 runs a SOCKS5 server whose connections all go to target.
func startSocks5(t *testing.T, target string) string {
	t.Helper()

	server, err := socks5.New(&socks5.Config{
		Resolver: staticResolver{},
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, target)
		},
	})
	if err != nil {
		t.Fatalf("failed to create socks5 server: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go server.Serve(ln) //nolint:errcheck // returns when the listener closes
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().String()
}

package tor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/netutil"
)

// onionResponder plays the peer-facing service behind the external onion:
// it forwards the token from the GET header to the local port in a POST body.
func onionResponder(t *testing.T, localPort uint16, echo bool) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ValidationPath {
			http.NotFound(w, r)
			return
		}
		token := r.Header.Get(ValidationTokenHeader)
		if !echo {
			token = "wrong-" + token
		}
		url := fmt.Sprintf("http://127.0.0.1:%d%s", localPort, ValidationPath)
		resp, err := http.Post(url, "text/plain", bytes.NewBufferString(token)) //nolint:noctx // test helper
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		_ = resp.Body.Close()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestLimitedMode(t *testing.T, echo bool, policy RetryPolicy) *LimitedMode {
	t.Helper()

	localPort := freeLocalPort(t)
	responder := onionResponder(t, localPort, echo)
	return limitedModeVia(t, responder.Listener.Addr().String(), localPort, policy)
}

func freeLocalPort(t *testing.T) uint16 {
	t.Helper()

	port, err := netutil.FindFreePort()
	if err != nil {
		t.Fatal(err)
	}
	return uint16(port) //nolint:gosec // FindFreePort returns a valid port
}

// limitedModeVia builds a LimitedMode whose SOCKS proxy connects every
// request to target.
func limitedModeVia(t *testing.T, target string, localPort uint16, policy RetryPolicy) *LimitedMode {
	t.Helper()

	socks, err := model.ParseSocks5Proxy(startSocks5(t, target))
	if err != nil {
		t.Fatal(err)
	}
	onion, err := model.NewNodeAddress(testOnionHostname, 9999)
	if err != nil {
		t.Fatal(err)
	}

	m, err := NewLimitedMode(LimitedConfig{
		TorDir:            t.TempDir(),
		Socks:             socks,
		Onion:             onion,
		LocalPort:         localPort,
		ValidationTimeout: time.Second,
	}, WithLogger(discardLogger()), WithRetryPolicy(policy))
	if err != nil {
		t.Fatalf("NewLimitedMode() error = %v", err)
	}
	return m
}

func TestLimitedModeGetTor(t *testing.T) {
	t.Parallel()

	t.Run("responder echoes the token", func(t *testing.T) {
		t.Parallel()

		m := newTestLimitedMode(t, true, RetryPolicy{Attempts: 3, Window: 10 * time.Second, Delay: 10 * time.Millisecond})
		handle, err := m.GetTor(context.Background())
		if err != nil {
			t.Fatalf("GetTor() error = %v", err)
		}
		t.Cleanup(func() { _ = handle.Close() })

		external, ok := handle.External()
		if !ok || external.Host() != testOnionHostname {
			t.Errorf("External() = %v, %v", external, ok)
		}
		socks, err := handle.Socks5Proxy(context.Background())
		if err != nil {
			t.Fatalf("Socks5Proxy() error = %v", err)
		}
		if socks != m.cfg.Socks {
			t.Errorf("Socks5Proxy() = %v, want %v", socks, m.cfg.Socks)
		}
		if handle.Controller() != nil {
			t.Error("limited handle must not have a control connection")
		}
	})

	t.Run("onion service forwards straight to the local port", func(t *testing.T) {
		t.Parallel()

		localPort := freeLocalPort(t)
		target := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(localPort)))
		m := limitedModeVia(t, target, localPort, RetryPolicy{Attempts: 3, Window: 10 * time.Second, Delay: 10 * time.Millisecond})

		handle, err := m.GetTor(context.Background())
		if err != nil {
			t.Fatalf("GetTor() error = %v", err)
		}
		t.Cleanup(func() { _ = handle.Close() })
	})

	t.Run("responder never echoes the token", func(t *testing.T) {
		t.Parallel()

		var attempts int
		m := newTestLimitedMode(t, false, RetryPolicy{Attempts: 3, Window: 10 * time.Second, Delay: 10 * time.Millisecond})
		base := m.newToken
		m.newToken = func() string {
			attempts++
			return base()
		}

		_, err := m.GetTor(context.Background())
		if !errors.Is(err, ErrValidationFailed) {
			t.Fatalf("expected ErrValidationFailed, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})
}

func TestNewLimitedModeValidation(t *testing.T) {
	t.Parallel()

	socks, err := model.NewSocks5Proxy("127.0.0.1", 9050)
	if err != nil {
		t.Fatal(err)
	}
	onion, err := model.NewNodeAddress(testOnionHostname, 9999)
	if err != nil {
		t.Fatal(err)
	}
	clearnet, err := model.NewNodeAddress("example.com", 80)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  LimitedConfig
	}{
		{name: "missing proxy", cfg: LimitedConfig{Onion: onion, LocalPort: 1}},
		{name: "clearnet address", cfg: LimitedConfig{Socks: socks, Onion: clearnet, LocalPort: 1}},
		{name: "missing local port", cfg: LimitedConfig{Socks: socks, Onion: onion}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			tt.cfg.TorDir = t.TempDir()
			if _, err := NewLimitedMode(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestValidationHandler(t *testing.T) {
	t.Parallel()

	const token = "0b6b5c1e-8f0e-4c36-9d0e-7d4b0c1f2a3b"

	tests := []struct {
		name     string
		header   string
		body     string
		wantCode int
	}{
		{name: "token in header", header: token, wantCode: http.StatusOK},
		{name: "token in body", body: token + "\n", wantCode: http.StatusOK},
		{name: "wrong header, token in body", header: "nope", body: token, wantCode: http.StatusOK},
		{name: "wrong token", header: "nope", body: "nope", wantCode: http.StatusForbidden},
		{name: "no token", wantCode: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			received := make(chan struct{})
			h := validationHandler(token, received)

			req := httptest.NewRequest(http.MethodPost, ValidationPath, strings.NewReader(tt.body))
			if tt.header != "" {
				req.Header.Set(ValidationTokenHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			select {
			case <-received:
				if tt.wantCode != http.StatusOK {
					t.Error("received closed for a rejected request")
				}
			default:
				if tt.wantCode == http.StatusOK {
					t.Error("received not closed for an accepted request")
				}
			}
		})
	}
}

package tor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeSocks5(t *testing.T) {
	t.Parallel()

	t.Run("socks5 proxy", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(backend.Close)
		addr := startSocks5(t, backend.Listener.Addr().String())

		if got := ProbeSocks5(context.Background(), addr, time.Second); got != ProxyStatusOK {
			t.Errorf("ProbeSocks5() = %v, want %v", got, ProxyStatusOK)
		}
	})

	t.Run("http server is not a socks proxy", func(t *testing.T) {
		t.Parallel()

		addr := serveRaw(t, func(conn net.Conn) {
			_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
		})

		if got := ProbeSocks5(context.Background(), addr, time.Second); got != ProxyStatusWrongType {
			t.Errorf("ProbeSocks5() = %v, want %v", got, ProxyStatusWrongType)
		}
	})

	t.Run("nothing listening", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		addr := ln.Addr().String()
		_ = ln.Close()

		if got := ProbeSocks5(context.Background(), addr, time.Second); got != ProxyStatusCannotConnect {
			t.Errorf("ProbeSocks5() = %v, want %v", got, ProxyStatusCannotConnect)
		}
	})

	t.Run("silent peer times out", func(t *testing.T) {
		t.Parallel()

		addr := serveRaw(t, func(conn net.Conn) {
			time.Sleep(time.Second)
		})

		if got := ProbeSocks5(context.Background(), addr, 100*time.Millisecond); got != ProxyStatusTimeout {
			t.Errorf("ProbeSocks5() = %v, want %v", got, ProxyStatusTimeout)
		}
	})
}

// serveRaw accepts TCP connections and hands each to fn before closing it.
func serveRaw(t *testing.T, fn func(net.Conn)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fn(conn)
			}()
		}
	}()
	return ln.Addr().String()
}

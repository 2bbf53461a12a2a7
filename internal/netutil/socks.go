package netutil

import (
	"fmt"

	"golang.org/x/net/proxy"

	"github.com/nao1215/torpeer/internal/model"
)

// Socks5Dialer returns a context-aware dialer that tunnels through p.
// Hostnames are passed to the proxy unresolved, so .onion names are
// resolved inside Tor.
func Socks5Dialer(p model.Socks5Proxy) (proxy.ContextDialer, error) {
	var auth *proxy.Auth
	if p.HasCredentials() {
		auth = &proxy.Auth{User: p.Username(), Password: p.Password()}
	}

	d, err := proxy.SOCKS5("tcp", p.Addr(), auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer %T does not support contexts", d)
	}
	return cd, nil
}

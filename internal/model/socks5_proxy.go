package model

import (
	"net"
	"strconv"
	"strings"
)

// Socks5Proxy identifies a local SOCKS5 proxy endpoint, optionally with
// RFC 1929 username/password credentials. It is an immutable value.
type Socks5Proxy struct {
	host     string
	port     uint16
	username string
	password string
}

// NewSocks5Proxy creates a Socks5Proxy without credentials.
func NewSocks5Proxy(host string, port uint16) (Socks5Proxy, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Socks5Proxy{}, ErrEmptyNodeAddress
	}
	if port == 0 {
		return Socks5Proxy{}, ErrInvalidPort
	}
	return Socks5Proxy{host: host, port: port}, nil
}

// ParseSocks5Proxy parses a "host:port" proxy address.
func ParseSocks5Proxy(addr string) (Socks5Proxy, error) {
	a, err := ParseNodeAddress(addr)
	if err != nil {
		return Socks5Proxy{}, err
	}
	return NewSocks5Proxy(a.Host(), a.Port())
}

// WithCredentials returns a copy of p carrying the given credentials.
func (p Socks5Proxy) WithCredentials(username, password string) Socks5Proxy {
	p.username = username
	p.password = password
	return p
}

// Host returns the proxy host.
func (p Socks5Proxy) Host() string { return p.host }

// Port returns the proxy port.
func (p Socks5Proxy) Port() uint16 { return p.port }

// Username returns the RFC 1929 username, or "" when unset.
func (p Socks5Proxy) Username() string { return p.username }

// Password returns the RFC 1929 password, or "" when unset.
func (p Socks5Proxy) Password() string { return p.password }

// HasCredentials reports whether a username is configured.
func (p Socks5Proxy) HasCredentials() bool { return p.username != "" }

// Addr returns the "host:port" dial address of the proxy.
func (p Socks5Proxy) Addr() string {
	return net.JoinHostPort(p.host, strconv.Itoa(int(p.port)))
}

// IsZero reports whether the proxy is unset.
func (p Socks5Proxy) IsZero() bool {
	return p.host == "" && p.port == 0
}

// String returns the proxy address without credentials.
func (p Socks5Proxy) String() string {
	if p.IsZero() {
		return ""
	}
	return "socks5://" + p.Addr()
}

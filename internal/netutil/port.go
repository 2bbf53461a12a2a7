package netutil

import (
	"fmt"
	"net"
	"strings"
)

// FindFreePort asks the kernel for an unused TCP port on the loopback
// interface. The port is released before returning, so another process can
// still claim it; callers bind it shortly afterwards.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate free port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

// IsLocalHost reports whether host refers to this machine or the local
// network: "localhost", loopback IPs and mDNS ".local" names.
func IsLocalHost(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

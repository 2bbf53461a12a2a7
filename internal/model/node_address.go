package model

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// onionSuffix is the .onion TLD suffix.
const onionSuffix = ".onion"

// NodeAddress errors.
var (
	// ErrEmptyNodeAddress is returned when the address string is empty.
	ErrEmptyNodeAddress = errors.New("node address cannot be empty")
	// ErrInvalidNodeAddress is returned when the address is not in "host:port" form.
	ErrInvalidNodeAddress = errors.New("invalid node address: expected host:port")
	// ErrInvalidPort is returned when the port is not in the range 1-65535.
	ErrInvalidPort = errors.New("invalid port: must be between 1 and 65535")
)

// NodeAddress is an immutable value object identifying a peer by host and port.
// The host is either a v3 onion hostname or a plain hostname/IP.
//
// NodeAddress is comparable, so it can be used as a map key and compared with ==.
type NodeAddress struct {
	host string
	port uint16
}

// NewNodeAddress creates a NodeAddress from a host and port.
func NewNodeAddress(host string, port uint16) (NodeAddress, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return NodeAddress{}, ErrEmptyNodeAddress
	}
	if port == 0 {
		return NodeAddress{}, ErrInvalidPort
	}
	if IsOnionHost(host) {
		host = strings.ToLower(host)
	}
	return NodeAddress{host: host, port: port}, nil
}

// ParseNodeAddress parses the "host:port" text form of a NodeAddress.
func ParseNodeAddress(s string) (NodeAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeAddress{}, ErrEmptyNodeAddress
	}

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return NodeAddress{}, fmt.Errorf("%w: %q", ErrInvalidNodeAddress, s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return NodeAddress{}, fmt.Errorf("%w: %q", ErrInvalidPort, portStr)
	}
	return NewNodeAddress(host, uint16(port))
}

// Host returns the host part of the address.
func (a NodeAddress) Host() string {
	return a.host
}

// Port returns the port part of the address.
func (a NodeAddress) Port() uint16 {
	return a.port
}

// String returns the "host:port" text form.
func (a NodeAddress) String() string {
	if a.IsZero() {
		return ""
	}
	return net.JoinHostPort(a.host, strconv.Itoa(int(a.port)))
}

// IsOnion reports whether the host is an onion hostname.
func (a NodeAddress) IsOnion() bool {
	return IsOnionHost(a.host)
}

// IsZero reports whether the address is the zero value.
func (a NodeAddress) IsZero() bool {
	return a.host == "" && a.port == 0
}

// IsOnionHost reports whether host ends with the .onion suffix.
// It does not validate the onion label itself.
func IsOnionHost(host string) bool {
	return strings.HasSuffix(strings.ToLower(host), onionSuffix)
}

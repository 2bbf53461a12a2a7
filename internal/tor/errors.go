package tor

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"syscall"

	"github.com/nao1215/tornago"
)

// Tor acquisition errors.
var (
	// ErrProxyNotTor is returned when the configured proxy address responds
	// but does not behave like a Tor SOCKS5 proxy.
	ErrProxyNotTor = errors.New("proxy is not a Tor SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection to the proxy
	// can be established.
	ErrProxyCannotConnect = errors.New("cannot connect to Tor proxy")

	// ErrProxyTimeout is returned when the proxy does not answer in time.
	ErrProxyTimeout = errors.New("timeout connecting to Tor proxy")

	// ErrNoSocksListener is returned when Tor reports no usable SOCKS listener.
	ErrNoSocksListener = errors.New("tor has no TCP SOCKS listener")

	// ErrNoControlConnection is returned for control operations on a handle
	// that has no control connection (LimitedRunningTor).
	ErrNoControlConnection = errors.New("tor handle has no control connection")

	// ErrHandleClosed is returned when a closed handle is used.
	ErrHandleClosed = errors.New("tor handle is closed")

	// ErrHostnameTimeout is returned when Tor does not write the onion
	// hostname file in time.
	ErrHostnameTimeout = errors.New("timed out waiting for onion hostname")

	// ErrValidationFailed is returned when the external onion service does not
	// round-trip the validation token.
	ErrValidationFailed = errors.New("onion service validation failed")

	// ErrBootstrapTimeout is returned when Tor does not finish bootstrapping.
	ErrBootstrapTimeout = errors.New("timed out waiting for tor to bootstrap")

	// ErrUnsupportedPlatform is returned when no Tor bundle exists for the
	// running OS and architecture.
	ErrUnsupportedPlatform = errors.New("no tor bundle for this platform")
)

// Tor control reply codes that indicate the requested hidden service
// collides with one Tor already knows about.
const (
	controlStatusUnspecifiedTorError = 550
	controlStatusInvalidConfigValue  = 553
)

// ErrorKind classifies why obtaining Tor or publishing the hidden service
// failed. The network node branches on it to decide between reporting the
// failure and asking the user for bridges.
type ErrorKind int

const (
	// KindOther is any failure that is neither I/O nor a hidden-service
	// conflict. Under default settings this usually means Tor could not
	// reach the network and bridges are needed.
	KindOther ErrorKind = iota

	// KindIOFailure is a local filesystem or socket failure.
	KindIOFailure

	// KindHiddenServiceConflict means Tor refused the hidden service because
	// an equivalent one is already registered.
	KindHiddenServiceConflict
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindIOFailure:
		return "IOFailure"
	case KindHiddenServiceConflict:
		return "HiddenServiceConflict"
	default:
		return "Other"
	}
}

// SetupError is a Tor acquisition or hidden-service error tagged with its kind.
type SetupError struct {
	// Kind is the classification used by callers.
	Kind ErrorKind
	// Op names the failed operation.
	Op string
	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *SetupError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the underlying error for errors.Is and errors.As.
func (e *SetupError) Unwrap() error {
	return e.Err
}

// newSetupError tags err with kind. A nil err stays nil.
func newSetupError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SetupError{Kind: kind, Op: op, Err: err}
}

// ProvisionError reports a failed Tor binary download or extraction.
type ProvisionError struct {
	// URL is the archive location.
	URL string
	// Err is the underlying error.
	Err error
}

// Error implements error.
func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision tor from %s: %v", e.URL, e.Err)
}

// Unwrap exposes the underlying error.
func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// Classify returns the kind of err.
//
// An explicit SetupError wins. A ProvisionError is KindIOFailure whatever
// its cause. Otherwise filesystem and socket errors, and tornago I/O
// errors, are KindIOFailure; tornago hidden-service failures are
// KindHiddenServiceConflict; everything else is KindOther. Error text is
// never inspected.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindOther
	}

	var setupErr *SetupError
	if errors.As(err, &setupErr) {
		return setupErr.Kind
	}

	var provErr *ProvisionError
	if errors.As(err, &provErr) {
		return KindIOFailure
	}

	var tornagoErr *tornago.TornagoError
	if errors.As(err, &tornagoErr) {
		switch tornagoErr.Kind {
		case tornago.ErrIO:
			return KindIOFailure
		case tornago.ErrHiddenServiceFailed:
			return KindHiddenServiceConflict
		}
	}

	var pathErr *fs.PathError
	var opErr *net.OpError
	var errno syscall.Errno
	switch {
	case errors.As(err, &pathErr),
		errors.As(err, &opErr),
		errors.As(err, &errno),
		errors.Is(err, io.ErrUnexpectedEOF):
		return KindIOFailure
	}
	return KindOther
}

// ProxyStatus is the result of probing a SOCKS5 proxy.
type ProxyStatus int

const (
	// ProxyStatusOK indicates the proxy is a working SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates the endpoint does not speak SOCKS5.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates no connection could be made.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the probe timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not Tor)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Err returns the error for this status, or nil if OK.
func (s ProxyStatus) Err() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotTor
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}

package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cretz/bine/control"

	"github.com/nao1215/torpeer/internal/model"
)

// Hidden service defaults.
const (
	// DefaultHostnameTimeout bounds the wait for Tor to write the hostname file.
	DefaultHostnameTimeout = time.Minute

	hostnamePollInterval = 100 * time.Millisecond
	hostnameFile         = "hostname"
)

// Controller is the subset of a Tor control connection the transport uses.
// *control.Conn from github.com/cretz/bine satisfies it.
type Controller interface {
	GetConf(keys ...string) ([]*control.KeyVal, error)
	SetConf(entries ...*control.KeyVal) error
	GetInfo(keys ...string) ([]*control.KeyVal, error)
	Close() error
}

// AuthController is a Controller that has not necessarily authenticated yet.
type AuthController interface {
	Controller
	Authenticate(password string) error
}

// Process is a Tor process owned by the handle. *tornago.TorProcess
// satisfies it.
type Process interface {
	Stop() error
}

// OnionService describes a filesystem-backed onion service known to Tor.
type OnionService struct {
	// Dir is the HiddenServiceDir.
	Dir string
	// Hostname is the onion hostname Tor wrote to Dir/hostname.
	Hostname string
	// VirtualPort is the port peers connect to on the onion address.
	VirtualPort uint16
	// TargetPort is the local port Tor forwards to.
	TargetPort uint16
}

// Tor is a usable Tor instance returned by Mode.GetTor.
//
// A handle obtained from NewTor or RunningTor has a control connection and
// can publish onion services. A LimitedRunningTor handle only carries the
// fixed SOCKS proxy and the externally managed onion address.
//
// Design decision: We use one handle type for every mode rather than an
// interface per mode because:
//  1. Network nodes only need the SOCKS proxy and onion publishing
//  2. Missing capabilities surface as ErrNoControlConnection, not type switches
//  3. Close is the single place that stops an owned Tor process
type Tor struct {
	logger *slog.Logger

	// mu serializes control-port traffic and guards the fields below.
	mu sync.Mutex

	// ctrl is nil for a LimitedRunningTor handle.
	ctrl Controller

	// process is set only when this handle owns the Tor process.
	process Process

	// socks is the SOCKS5 proxy. A zero value is resolved from the
	// control port on first use.
	socks model.Socks5Proxy

	// external is the externally managed onion address, if any.
	external model.NodeAddress

	closed bool

	// hostnameTimeout bounds the wait for a published service's hostname.
	hostnameTimeout time.Duration
}

func newTor(ctrl Controller, process Process, socks model.Socks5Proxy, logger *slog.Logger) *Tor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tor{
		logger:          logger,
		ctrl:            ctrl,
		process:         process,
		socks:           socks,
		hostnameTimeout: DefaultHostnameTimeout,
	}
}

// NewHandle wraps an already-authenticated control connection. It is used by
// callers that manage the Tor process themselves.
func NewHandle(ctrl Controller, logger *slog.Logger) *Tor {
	return newTor(ctrl, nil, model.Socks5Proxy{}, logger)
}

// NewExternalHandle returns a handle without a control connection for an
// externally managed Tor: outbound traffic goes through socks and the node
// is reachable at onion.
func NewExternalHandle(socks model.Socks5Proxy, onion model.NodeAddress, logger *slog.Logger) *Tor {
	t := newTor(nil, nil, socks, logger)
	t.external = onion
	return t
}

// Controller returns the control connection, or nil for LimitedRunningTor.
func (t *Tor) Controller() Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctrl
}

// External returns the externally managed onion address (LimitedRunningTor).
func (t *Tor) External() (model.NodeAddress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.external, !t.external.IsZero()
}

// Socks5Proxy returns the SOCKS5 proxy for outbound connections. For a handle
// attached to a running Tor, the proxy is read once from
// "GETINFO net/listeners/socks" and cached.
func (t *Tor) Socks5Proxy(ctx context.Context) (model.Socks5Proxy, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return model.Socks5Proxy{}, ErrHandleClosed
	}
	if !t.socks.IsZero() {
		return t.socks, nil
	}
	if t.ctrl == nil {
		return model.Socks5Proxy{}, ErrNoControlConnection
	}
	if err := ctx.Err(); err != nil {
		return model.Socks5Proxy{}, err
	}

	info, err := t.ctrl.GetInfo("net/listeners/socks")
	if err != nil {
		return model.Socks5Proxy{}, fmt.Errorf("failed to query socks listeners: %w", err)
	}
	for _, kv := range info {
		if kv.Key != "net/listeners/socks" {
			continue
		}
		for _, addr := range strings.Fields(kv.Val) {
			addr = strings.Trim(addr, `"`)
			if strings.HasPrefix(addr, "unix:") {
				continue
			}
			p, err := model.ParseSocks5Proxy(addr)
			if err != nil {
				continue
			}
			t.socks = p
			t.logger.Debug("derived socks proxy from tor", "proxy", p.Addr())
			return p, nil
		}
	}
	return model.Socks5Proxy{}, ErrNoSocksListener
}

// FindOnionService looks for a configured hidden service whose directory is
// dir. It returns false when Tor has no such service.
func (t *Tor) FindOnionService(ctx context.Context, dir string) (OnionService, bool, error) {
	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return OnionService{}, false, err
	}
	entries, err := t.ctrl.GetConf("HiddenServiceOptions")
	t.mu.Unlock()
	if err != nil {
		return OnionService{}, false, fmt.Errorf("failed to read hidden service options: %w", err)
	}

	svc, ok := findService(entries, dir)
	if !ok {
		return OnionService{}, false, nil
	}
	hostname, err := t.waitHostname(ctx, dir)
	if err != nil {
		return OnionService{}, false, err
	}
	svc.Hostname = hostname
	return svc, true, nil
}

// CreateOnionService registers a filesystem-backed v3 onion service in dir
// that maps virtualPort to 127.0.0.1:localPort, keeping every hidden service
// Tor already serves. It returns once Tor has written the onion hostname.
func (t *Tor) CreateOnionService(ctx context.Context, dir string, virtualPort, localPort uint16) (OnionService, error) {
	const op = "create onion service"

	t.mu.Lock()
	if err := t.usableLocked(); err != nil {
		t.mu.Unlock()
		return OnionService{}, err
	}
	existing, err := t.ctrl.GetConf("HiddenServiceOptions")
	if err != nil {
		t.mu.Unlock()
		return OnionService{}, fmt.Errorf("failed to read hidden service options: %w", err)
	}

	entries := make([]*control.KeyVal, 0, len(existing)+3)
	for _, kv := range existing {
		if kv.Key == "HiddenServiceOptions" {
			continue
		}
		entries = append(entries, control.NewKeyVal(kv.Key, kv.Val))
	}
	entries = append(entries,
		control.NewKeyVal("HiddenServiceDir", dir),
		control.NewKeyVal("HiddenServicePort", fmt.Sprintf("%d 127.0.0.1:%d", virtualPort, localPort)),
		control.NewKeyVal("HiddenServiceVersion", "3"),
	)
	err = t.ctrl.SetConf(entries...)
	t.mu.Unlock()
	if err != nil {
		return OnionService{}, classifyRegistrationError(op, err)
	}

	t.logger.Debug("registered onion service", "dir", dir, "virtualPort", virtualPort, "localPort", localPort)

	hostname, err := t.waitHostname(ctx, dir)
	if err != nil {
		return OnionService{}, err
	}
	return OnionService{
		Dir:         dir,
		Hostname:    hostname,
		VirtualPort: virtualPort,
		TargetPort:  localPort,
	}, nil
}

// Close releases the control connection and stops a Tor process this handle
// launched. Calling Close more than once is safe.
func (t *Tor) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var errs []error
	if t.ctrl != nil {
		if err := t.ctrl.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close control connection: %w", err))
		}
	}
	if t.process != nil {
		t.logger.Info("stopping tor process")
		if err := t.process.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop tor: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (t *Tor) usableLocked() error {
	if t.closed {
		return ErrHandleClosed
	}
	if t.ctrl == nil {
		return ErrNoControlConnection
	}
	return nil
}

// waitHostname polls dir/hostname until Tor has written it.
func (t *Tor) waitHostname(ctx context.Context, dir string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.hostnameTimeout)
	defer cancel()

	path := filepath.Join(dir, hostnameFile)
	ticker := time.NewTicker(hostnamePollInterval)
	defer ticker.Stop()
	for {
		data, err := os.ReadFile(path) //nolint:gosec // path is inside the node's hidden service directory
		if err == nil {
			if hostname := strings.TrimSpace(string(data)); hostname != "" {
				return hostname, nil
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", newSetupError(KindIOFailure, "read onion hostname", err)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w in %s: %w", ErrHostnameTimeout, dir, ctx.Err())
		case <-ticker.C:
		}
	}
}

// findService extracts the service configured for dir from a
// "GETCONF HiddenServiceOptions" reply. Options are listed per service,
// each group starting with HiddenServiceDir.
func findService(entries []*control.KeyVal, dir string) (OnionService, bool) {
	want := filepath.Clean(dir)
	var (
		current string
		svc     OnionService
		found   bool
	)
	for _, kv := range entries {
		switch kv.Key {
		case "HiddenServiceDir":
			if found {
				return svc, true
			}
			current = filepath.Clean(kv.Val)
			if current == want {
				found = true
				svc = OnionService{Dir: dir}
			}
		case "HiddenServicePort":
			if !found || svc.TargetPort != 0 {
				continue
			}
			virt, target, ok := parseHiddenServicePort(kv.Val)
			if ok {
				svc.VirtualPort = virt
				svc.TargetPort = target
			}
		}
	}
	return svc, found
}

// parseHiddenServicePort parses "VIRTPORT [TARGET]" where TARGET is
// "addr:port", "port" or absent (meaning the virtual port).
func parseHiddenServicePort(v string) (virtual, target uint16, ok bool) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return 0, 0, false
	}
	vp, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, 0, false
	}
	if len(fields) == 1 {
		return uint16(vp), uint16(vp), true
	}
	targetStr := fields[1]
	if i := strings.LastIndex(targetStr, ":"); i >= 0 {
		targetStr = targetStr[i+1:]
	}
	tp, err := strconv.ParseUint(targetStr, 10, 16)
	if err != nil {
		return 0, 0, false
	}
	return uint16(vp), uint16(tp), true
}

// classifyRegistrationError maps a SETCONF failure to a SetupError. Tor
// answers a colliding hidden service with 553 (invalid config value) or 550.
func classifyRegistrationError(op string, err error) error {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		switch protoErr.Code {
		case controlStatusInvalidConfigValue, controlStatusUnspecifiedTorError:
			return newSetupError(KindHiddenServiceConflict, op, err)
		}
	}
	return newSetupError(Classify(err), op, err)
}

package tor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cretz/bine/control"
	"github.com/nao1215/tornago"

	logging "github.com/nao1215/torpeer/internal/log"
	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/netutil"
	"github.com/nao1215/torpeer/internal/torrc"
)

// Launch defaults.
const (
	// DefaultStartupTimeout bounds the wait for Tor's ports to open.
	DefaultStartupTimeout = 90 * time.Second
	// DefaultBootstrapTimeout bounds the wait for 100% bootstrap.
	DefaultBootstrapTimeout = 3 * time.Minute

	bootstrapPollInterval = 500 * time.Millisecond

	torrcFileName    = "torrc"
	torrcLogFileName = "torrc_log"
	bridgesFileName  = "bridges"
	dataDirName      = ".tor"
	cookieFileName   = "control_auth_cookie"
	pidFileName      = "pid"
)

// LevelTrace carries Tor's own log lines and bootstrap progress.
const LevelTrace = logging.LevelTrace

// LaunchConfig configures LaunchMode.
//
// The effective torrc is layered: generated defaults, then TorrcFile, then
// Bridges, then TorrcOptions. Every layer replaces the keys it names.
//
// Design decision: We keep the torrc as data rather than passing flags on
// the command line because:
//  1. A user torrc and overrides can replace any generated key, SocksPort included
//  2. The exact file Tor ran with is dumped to torrc_log for debugging
//  3. BuildTorrc can be tested without starting a process
type LaunchConfig struct {
	// TorDir is the node's Tor directory. It holds the generated torrc, the
	// data directory with the control cookie, the pid file and key backups.
	TorDir string

	// Installer provisions the tor binary. It is required.
	Installer *Installer

	// TorrcFile is an optional user torrc merged over the defaults.
	// A SocksPort set here is the one the handle reports.
	TorrcFile string

	// TorrcOptions are comma separated Key=Value overrides with the highest
	// precedence, e.g. "ExitNodes={us},SocksPort=9150".
	TorrcOptions string

	// Bridges optionally supplies bridge lines. When it returns none, the
	// bridges file in TorDir is used if present.
	Bridges BridgeProvider

	// StartupTimeout bounds the wait for Tor's SOCKS and control ports.
	// Zero uses DefaultStartupTimeout.
	StartupTimeout time.Duration

	// BootstrapTimeout bounds the wait for Tor to reach 100% bootstrap.
	// Zero uses DefaultBootstrapTimeout.
	BootstrapTimeout time.Duration
}

// LaunchMode downloads (once) and launches a dedicated Tor process under
// full configuration control. It implements the NewTor variant.
type LaunchMode struct {
	modeBase
	cfg LaunchConfig

	// Seams replaced in tests.
	startDaemon func(cfg tornago.TorLaunchConfig) (Process, error)
	waitControl func(addr string, timeout time.Duration) error
	dialControl func(ctx context.Context, addr string) (AuthController, error)
	freePort    func() (int, error)
}

var _ Mode = (*LaunchMode)(nil)

// NewLaunchMode creates the NewTor variant. cfg.TorDir is created eagerly.
func NewLaunchMode(cfg LaunchConfig, opts ...ModeOption) (*LaunchMode, error) {
	base, err := newModeBase(cfg.TorDir, opts)
	if err != nil {
		return nil, err
	}
	if cfg.Installer == nil {
		return nil, errors.New("launch mode requires an installer")
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.BootstrapTimeout <= 0 {
		cfg.BootstrapTimeout = DefaultBootstrapTimeout
	}
	return &LaunchMode{
		modeBase: base,
		cfg:      cfg,
		startDaemon: func(c tornago.TorLaunchConfig) (Process, error) {
			p, err := tornago.StartTorDaemon(c)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		waitControl: tornago.WaitForControlPort,
		dialControl: dialControl,
		freePort:    netutil.FindFreePort,
	}, nil
}

// Kind implements Mode.
func (m *LaunchMode) Kind() ModeKind {
	return ModeNewTor
}

// GetTor implements Mode. Provisioning failures are returned immediately;
// launch failures are retried within the retry policy.
func (m *LaunchMode) GetTor(ctx context.Context) (*Tor, error) {
	bin, err := m.cfg.Installer.Ensure(ctx)
	if err != nil {
		return nil, err
	}

	var t *Tor
	err = m.retry.run(ctx, m.logger, "launch tor", func(ctx context.Context) error {
		var launchErr error
		t, launchErr = m.launch(ctx, bin)
		return launchErr
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// launch performs one launch attempt.
func (m *LaunchMode) launch(ctx context.Context, bin Binary) (*Tor, error) {
	socksPort, err := m.freePort()
	if err != nil {
		return nil, newSetupError(KindIOFailure, "allocate socks port", err)
	}
	controlPort, err := m.freePort()
	if err != nil {
		return nil, newSetupError(KindIOFailure, "allocate control port", err)
	}
	socksAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
	controlAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(controlPort))

	rc, err := m.BuildTorrc(bin, socksAddr, controlAddr)
	if err != nil {
		return nil, err
	}
	socksAddr = resolveSocksAddr(rc, socksAddr)
	torrcPath := filepath.Join(m.torDir, torrcFileName)
	if err := rc.WriteFile(torrcPath); err != nil {
		return nil, newSetupError(KindIOFailure, "write torrc", err)
	}
	if err := rc.WriteFile(filepath.Join(m.torDir, torrcLogFileName)); err != nil {
		m.logger.Warn("failed to write torrc debug dump", "error", err)
	}

	launchCfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorBinary(bin.Path),
		tornago.WithTorSocksAddr(socksAddr),
		tornago.WithTorControlAddr(controlAddr),
		tornago.WithTorDataDir(filepath.Join(m.torDir, dataDirName)),
		tornago.WithTorConfigFile(torrcPath),
		tornago.WithTorStartupTimeout(m.cfg.StartupTimeout),
		tornago.WithTorLogReporter(func(line string) {
			if line = strings.TrimSpace(line); line != "" {
				m.logger.Log(context.Background(), LevelTrace, "tor", "line", line)
			}
		}),
		tornago.WithTorLogger(tornago.NewSlogAdapter(m.logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tor launch config: %w", err)
	}

	m.logger.Info("launching tor", "binary", bin.Path, "socksAddr", socksAddr, "controlAddr", controlAddr)
	process, err := m.startDaemon(launchCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start tor: %w", err)
	}

	t, err := m.attach(ctx, process, socksAddr, controlAddr)
	if err != nil {
		if stopErr := process.Stop(); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
		return nil, err
	}
	return t, nil
}

// attach authenticates to the freshly launched process and waits for it to
// bootstrap.
func (m *LaunchMode) attach(ctx context.Context, process Process, socksAddr, controlAddr string) (*Tor, error) {
	if err := m.waitControl(controlAddr, m.cfg.StartupTimeout); err != nil {
		return nil, fmt.Errorf("control port not ready: %w", err)
	}

	ctrl, err := m.dialControl(ctx, controlAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port: %w", err)
	}
	if err := authenticate(ctx, ctrl, ""); err != nil {
		_ = ctrl.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to authenticate with cookie: %w", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.cfg.BootstrapTimeout)
	defer cancel()
	if err := waitBootstrap(bootCtx, ctrl, m.logger); err != nil {
		_ = ctrl.Close() //nolint:errcheck // already failing
		return nil, err
	}

	socks, err := model.ParseSocks5Proxy(socksAddr)
	if err != nil {
		_ = ctrl.Close() //nolint:errcheck // already failing
		return nil, err
	}
	m.logger.Info("tor bootstrapped", "socksAddr", socksAddr)
	return newTor(ctrl, process, socks, m.logger), nil
}

// BuildTorrc assembles the effective configuration, in increasing
// precedence: built-in defaults, the user torrc, bridges, then overrides.
func (m *LaunchMode) BuildTorrc(bin Binary, socksAddr, controlAddr string) (*torrc.Torrc, error) {
	rc := m.defaultTorrc(bin, socksAddr, controlAddr)

	if m.cfg.TorrcFile != "" {
		user, err := torrc.ParseFile(m.cfg.TorrcFile)
		if err != nil {
			return nil, newSetupError(KindIOFailure, "read torrc", err)
		}
		rc.Merge(user)
	}

	bridges, err := m.bridgeLines()
	if err != nil {
		return nil, err
	}
	if len(bridges) > 0 {
		b := torrc.New()
		b.Set("UseBridges", "1")
		b.Set("Bridge", bridges...)
		rc.Merge(b)
	}

	if m.cfg.TorrcOptions != "" {
		overrides, err := torrc.ParseOverrides(m.cfg.TorrcOptions)
		if err != nil {
			return nil, err
		}
		rc.Merge(overrides)
	}
	return rc, nil
}

func (m *LaunchMode) defaultTorrc(bin Binary, socksAddr, controlAddr string) *torrc.Torrc {
	dataDir := filepath.Join(m.torDir, dataDirName)

	rc := torrc.New()
	rc.Set("DataDirectory", dataDir)
	rc.Set("SocksPort", socksAddr)
	rc.Set("ControlPort", controlAddr)
	rc.Set("CookieAuthentication", "1")
	rc.Set("CookieAuthFile", filepath.Join(dataDir, cookieFileName))
	rc.Set("PidFile", filepath.Join(m.torDir, pidFileName))
	rc.Set("AvoidDiskWrites", "1")
	rc.Set("HiddenServiceStatistics", "0")
	rc.Set("DormantOnFirstStartup", "0")
	rc.Set("DormantCanceledByStartup", "1")
	rc.Set("RunAsDaemon", "0")
	rc.Set("Log", "notice stdout")

	if plugins := transportPlugins(bin); len(plugins) > 0 {
		rc.Set("ClientTransportPlugin", plugins...)
	}
	if fileExists(bin.GeoIPFile) {
		rc.Set("GeoIPFile", bin.GeoIPFile)
	}
	if fileExists(bin.GeoIPv6File) {
		rc.Set("GeoIPv6File", bin.GeoIPv6File)
	}
	return rc
}

// resolveSocksAddr returns the address Tor will serve SOCKS on once rc is
// applied: the first TCP SocksPort in rc, with a wildcard host dialed on
// loopback. When rc has no TCP SocksPort (auto, unix sockets, 0) fallback
// is added to rc and returned.
func resolveSocksAddr(rc *torrc.Torrc, fallback string) string {
	for _, v := range rc.Get("SocksPort") {
		fields := strings.Fields(v)
		if len(fields) == 0 {
			continue
		}
		if addr, ok := tcpListenAddr(fields[0]); ok {
			return addr
		}
	}
	rc.Add("SocksPort", fallback)
	return fallback
}

// tcpListenAddr parses a torrc port spec of the form PORT or HOST:PORT.
func tcpListenAddr(spec string) (string, bool) {
	host, port := "127.0.0.1", spec
	if h, p, err := net.SplitHostPort(spec); err == nil {
		host, port = h, p
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", false
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), true
}

// bridgeLines returns the provider's bridges, falling back to the bridges
// file in the Tor directory.
func (m *LaunchMode) bridgeLines() ([]string, error) {
	if m.cfg.Bridges != nil {
		if lines := m.cfg.Bridges.BridgeAddresses(); len(lines) > 0 {
			return lines, nil
		}
	}
	lines, err := torrc.ReadBridges(filepath.Join(m.torDir, bridgesFileName))
	if err != nil {
		return nil, newSetupError(KindIOFailure, "read bridges", err)
	}
	return lines, nil
}

// transportPlugins returns ClientTransportPlugin lines for the pluggable
// transports shipped in the bundle.
func transportPlugins(bin Binary) []string {
	exe := func(name string) string {
		if strings.HasSuffix(bin.Path, ".exe") {
			name += ".exe"
		}
		return filepath.Join(bin.PluggableTransportsDir, name)
	}

	var plugins []string
	if lyrebird := exe("lyrebird"); fileExists(lyrebird) {
		plugins = append(plugins, "meek_lite,obfs2,obfs3,obfs4,scramblesuit,webtunnel exec "+lyrebird)
	}
	if snowflake := exe("snowflake-client"); fileExists(snowflake) {
		plugins = append(plugins, "snowflake exec "+snowflake)
	}
	if conjure := exe("conjure-client"); fileExists(conjure) {
		plugins = append(plugins, "conjure exec "+conjure+" -registerURL https://registration.refraction.network/api")
	}
	return plugins
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dialControl opens a Tor control connection.
func dialControl(ctx context.Context, addr string) (AuthController, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return control.NewConn(textproto.NewConn(conn)), nil
}

// authenticate runs ctrl.Authenticate and gives up when ctx ends, closing
// the connection to unblock the pending call.
func authenticate(ctx context.Context, ctrl AuthController, password string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- ctrl.Authenticate(password)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		_ = ctrl.Close() //nolint:errcheck // unblocks Authenticate
		<-errCh
		return ctx.Err()
	}
}

// waitBootstrap polls "GETINFO status/bootstrap-phase" until PROGRESS=100.
func waitBootstrap(ctx context.Context, ctrl Controller, logger *slog.Logger) error {
	ticker := time.NewTicker(bootstrapPollInterval)
	defer ticker.Stop()

	last := -1
	for {
		info, err := ctrl.GetInfo("status/bootstrap-phase")
		if err != nil {
			return fmt.Errorf("failed to query bootstrap status: %w", err)
		}
		for _, kv := range info {
			progress, ok := parseBootstrapProgress(kv.Val)
			if !ok {
				continue
			}
			if progress != last {
				logger.Log(ctx, LevelTrace, "tor bootstrap", "progress", progress)
				last = progress
			}
			if progress >= 100 {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last progress %d%%): %w", ErrBootstrapTimeout, max(last, 0), ctx.Err())
		case <-ticker.C:
		}
	}
}

// parseBootstrapProgress extracts N from a "... PROGRESS=N ..." status line.
func parseBootstrapProgress(status string) (int, bool) {
	for _, field := range strings.Fields(status) {
		value, ok := strings.CutPrefix(field, "PROGRESS=")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

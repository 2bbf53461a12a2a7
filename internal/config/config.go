package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"

	"github.com/nao1215/torpeer/internal/backup"
	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/network"
	"github.com/nao1215/torpeer/internal/tor"
)

// Default configuration values.
const (
	// AppName names the XDG directories.
	AppName = "torpeer"

	// DefaultMode launches a dedicated Tor process.
	DefaultMode = ModeNew

	// DefaultHiddenServicePort is the virtual port peers dial on the onion address.
	DefaultHiddenServicePort = network.DefaultHiddenServicePort

	// DefaultControlPort is the control port of a system Tor.
	DefaultControlPort = tor.DefaultControlPort

	// DefaultSocksAddress is the SOCKS port of a system Tor.
	DefaultSocksAddress = "127.0.0.1:9050"

	// DefaultConnectTimeout bounds an outbound connection over Tor.
	DefaultConnectTimeout = network.DefaultConnectTimeout

	// DefaultShutdownTimeout is the shutdown watchdog.
	DefaultShutdownTimeout = network.DefaultShutdownTimeout

	// DefaultRetryAttempts and DefaultRetryWindow bound Tor setup retries.
	DefaultRetryAttempts = tor.DefaultRetryAttempts
	DefaultRetryWindow   = tor.DefaultRetryWindow

	// DefaultStartupTimeout bounds the wait for a launched Tor's ports.
	DefaultStartupTimeout = tor.DefaultStartupTimeout

	// DefaultBootstrapTimeout bounds the wait for a launched Tor to bootstrap.
	DefaultBootstrapTimeout = tor.DefaultBootstrapTimeout

	// DefaultValidationTimeout bounds one limited mode validation attempt.
	DefaultValidationTimeout = tor.DefaultValidationTimeout

	// DefaultPoolSize bounds concurrent setup and connect work per node.
	DefaultPoolSize = 8

	// DefaultLocalhostDelay simulates Tor latency in localhost mode.
	DefaultLocalhostDelay = 50 * time.Millisecond

	// DefaultMaxKeyBackups is how many hidden service key backups are kept.
	DefaultMaxKeyBackups = backup.DefaultMaxBackups

	// DefaultTorVersion is the Tor expert bundle release that gets provisioned.
	DefaultTorVersion = tor.DefaultTorVersion

	torDirName      = "tor"
	journalFileName = "journal.db"
)

// Mode selects how the node obtains Tor.
type Mode string

const (
	// ModeNew launches and owns a dedicated Tor process.
	ModeNew Mode = "new"
	// ModeRunning attaches to a system Tor through its control port.
	ModeRunning Mode = "running"
	// ModeLimited uses an externally managed onion service and SOCKS port.
	ModeLimited Mode = "limited"
	// ModeLocalhost runs without Tor, for local testing.
	ModeLocalhost Mode = "localhost"
)

// Modes lists the supported modes.
func Modes() []Mode {
	return []Mode{ModeNew, ModeRunning, ModeLimited, ModeLocalhost}
}

// Valid reports whether m is a supported mode.
func (m Mode) Valid() bool {
	for _, v := range Modes() {
		if m == v {
			return true
		}
	}
	return false
}

// Config holds every option of a node. It is populated from defaults, then the
// configuration file, then explicitly set CLI flags.
//
// Design decision: We use one flat struct for every mode rather than a
// struct per mode because:
//  1. Flags and the YAML file map onto it without a mode switch
//  2. Switching --mode keeps every other setting in place
//  3. Validate is the single place that checks mode specific requirements
//
// Fields that only one mode reads are named after that mode in their comment.
type Config struct {
	// Mode selects how Tor is obtained.
	Mode Mode

	// DataDir holds the Tor directory, provisioned binaries and the journal.
	DataDir string

	// TorVersion is the Tor expert bundle release to provision in ModeNew.
	TorVersion string

	// TorrcFile is an optional torrc merged over the generated defaults.
	TorrcFile string

	// TorrcOptions are comma separated Key=Value torrc overrides.
	TorrcOptions string

	// Bridges are bridge lines used by a launched Tor. Empty falls back to
	// the bridges file in the Tor directory.
	Bridges []string

	// StartupTimeout bounds the wait for a launched Tor's ports.
	StartupTimeout time.Duration

	// BootstrapTimeout bounds the wait for a launched Tor to bootstrap.
	BootstrapTimeout time.Duration

	// ControlHost and ControlPort locate a system Tor in ModeRunning.
	ControlHost string
	ControlPort int

	// ControlPassword is used when cookie authentication fails.
	ControlPassword string

	// SocksAddress is the external SOCKS port in ModeLimited.
	SocksAddress string

	// OnionAddress is the externally published onion in ModeLimited.
	OnionAddress string

	// LocalPort is the port inbound onion traffic is forwarded to. Zero picks a
	// free port, except in ModeLimited where it is required.
	LocalPort uint16

	// HiddenServicePort is the onion's virtual port.
	HiddenServicePort uint16

	// ValidationTimeout bounds one ModeLimited validation attempt.
	ValidationTimeout time.Duration

	// ConnectTimeout bounds an outbound connection.
	ConnectTimeout time.Duration

	// ShutdownTimeout is the shutdown watchdog. A shutdown that has not
	// finished releasing resources by then completes anyway.
	ShutdownTimeout time.Duration

	// RetryAttempts and RetryWindow bound Tor setup retries.
	RetryAttempts int
	RetryWindow   time.Duration

	// PoolSize bounds concurrent setup and connect work.
	PoolSize int

	// MaxKeyBackups is how many hidden service key backups are kept.
	MaxKeyBackups int

	// TorReadyDelay and PublishDelay simulate Tor latency in ModeLocalhost.
	TorReadyDelay time.Duration
	PublishDelay  time.Duration

	// Verbose enables debug logging, Trace additionally logs Tor's output.
	Verbose bool
	Trace   bool

	// JSONLog switches log output to JSON.
	JSONLog bool

	// ConfigFilePath is the configuration file given on the command line.
	ConfigFilePath string
}

// NewConfig returns a Config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Mode:              DefaultMode,
		DataDir:           XDGDataDir(),
		TorVersion:        DefaultTorVersion,
		StartupTimeout:    DefaultStartupTimeout,
		BootstrapTimeout:  DefaultBootstrapTimeout,
		ControlHost:       "127.0.0.1",
		ControlPort:       DefaultControlPort,
		SocksAddress:      DefaultSocksAddress,
		HiddenServicePort: DefaultHiddenServicePort,
		ValidationTimeout: DefaultValidationTimeout,
		ConnectTimeout:    DefaultConnectTimeout,
		ShutdownTimeout:   DefaultShutdownTimeout,
		RetryAttempts:     DefaultRetryAttempts,
		RetryWindow:       DefaultRetryWindow,
		PoolSize:          DefaultPoolSize,
		MaxKeyBackups:     DefaultMaxKeyBackups,
		TorReadyDelay:     DefaultLocalhostDelay,
		PublishDelay:      DefaultLocalhostDelay,
	}
}

// XDGDataDir returns the default data directory.
// On Linux: ~/.local/share/torpeer
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// TorDir is the node's Tor directory under DataDir.
func (c *Config) TorDir() string {
	return filepath.Join(c.DataDir, torDirName)
}

// JournalPath is the SQLite journal under DataDir.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, journalFileName)
}

// Validate reports the first invalid option.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return ErrUnknownMode
	}
	if c.DataDir == "" {
		return ErrNoDataDir
	}
	if c.ConnectTimeout <= 0 {
		return ErrInvalidConnectTimeout
	}
	if c.ShutdownTimeout <= 0 {
		return ErrInvalidShutdownTimeout
	}
	if c.RetryAttempts <= 0 || c.RetryWindow <= 0 {
		return ErrInvalidRetry
	}
	if c.PoolSize <= 0 {
		return ErrInvalidPoolSize
	}

	switch c.Mode {
	case ModeRunning:
		if c.ControlPort <= 0 || c.ControlPort > 65535 {
			return ErrInvalidControlPort
		}
	case ModeLimited:
		if _, err := model.ParseSocks5Proxy(c.SocksAddress); err != nil {
			return ErrInvalidSocksAddress
		}
		addr, err := model.ParseNodeAddress(c.OnionAddress)
		if err != nil || !addr.IsOnion() {
			return ErrInvalidOnionAddress
		}
		if c.LocalPort == 0 {
			return ErrMissingLocalPort
		}
	case ModeLocalhost:
		if c.TorReadyDelay < 0 || c.PublishDelay < 0 {
			return ErrNegativeDelay
		}
	case ModeNew:
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the configuration file searched for in the current and
// home directories.
const DefaultConfigFile = ".torpeer.yaml"

// File is the YAML configuration file. Zero values leave the corresponding
// Config field untouched.
//
// Design decision: We group keys by concern instead of mirroring Config
// because:
//  1. A hand written file reads better in sections
//  2. Mode specific keys sit together under control and limited
//  3. Config can change shape without breaking existing files
//
// Durations use Go syntax, e.g. "90s" or "2m".
type File struct {
	// Mode is new, running, limited or localhost.
	Mode string `yaml:"mode,omitempty"`

	// DataDir overrides the XDG data directory.
	DataDir string `yaml:"dataDir,omitempty"`

	// Tor configures a launched Tor (mode new).
	Tor struct {
		Version          string        `yaml:"version,omitempty"`
		TorrcFile        string        `yaml:"torrcFile,omitempty"`
		TorrcOptions     string        `yaml:"torrcOptions,omitempty"`
		Bridges          []string      `yaml:"bridges,omitempty"`
		StartupTimeout   time.Duration `yaml:"startupTimeout,omitempty"`
		BootstrapTimeout time.Duration `yaml:"bootstrapTimeout,omitempty"`
	} `yaml:"tor,omitempty"`

	// Control locates a system Tor (mode running).
	Control struct {
		Host     string `yaml:"host,omitempty"`
		Port     int    `yaml:"port,omitempty"`
		Password string `yaml:"password,omitempty"`
	} `yaml:"control,omitempty"`

	// Limited describes an externally managed onion service (mode limited).
	Limited struct {
		Socks             string        `yaml:"socks,omitempty"`
		Onion             string        `yaml:"onion,omitempty"`
		ValidationTimeout time.Duration `yaml:"validationTimeout,omitempty"`
	} `yaml:"limited,omitempty"`

	// Node applies to every mode.
	Node struct {
		LocalPort         uint16        `yaml:"localPort,omitempty"`
		HiddenServicePort uint16        `yaml:"hiddenServicePort,omitempty"`
		ConnectTimeout    time.Duration `yaml:"connectTimeout,omitempty"`
		ShutdownTimeout   time.Duration `yaml:"shutdownTimeout,omitempty"`
		PoolSize          int           `yaml:"poolSize,omitempty"`
		MaxKeyBackups     int           `yaml:"maxKeyBackups,omitempty"`
	} `yaml:"node,omitempty"`

	// Retry bounds Tor setup.
	Retry struct {
		Attempts int           `yaml:"attempts,omitempty"`
		Window   time.Duration `yaml:"window,omitempty"`
	} `yaml:"retry,omitempty"`

	// Localhost simulates Tor latency (mode localhost).
	Localhost struct {
		TorReadyDelay time.Duration `yaml:"torReadyDelay,omitempty"`
		PublishDelay  time.Duration `yaml:"publishDelay,omitempty"`
	} `yaml:"localhost,omitempty"`

	// Log mirrors the --verbose, --trace and --log-json flags.
	Log struct {
		Verbose bool `yaml:"verbose,omitempty"`
		Trace   bool `yaml:"trace,omitempty"`
		JSON    bool `yaml:"json,omitempty"`
	} `yaml:"log,omitempty"`
}

// LoadConfigFile parses the YAML file at path. A missing file returns
// ErrConfigNotFound; callers decide whether that matters.
func LoadConfigFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // user-provided config path is intentional
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

// FindConfigFile returns the configuration file to load:
//  1. configPath if given and present
//  2. .torpeer.yaml in the current directory
//  3. .torpeer.yaml in the home directory
//
// It returns "" when none exists.
func FindConfigFile(configPath string) string {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		return ""
	}

	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, DefaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, DefaultConfigFile)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Apply copies every non-zero value of f onto c.
func (c *Config) Apply(f *File) {
	if f == nil {
		return
	}
	setString(&c.DataDir, f.DataDir)
	if f.Mode != "" {
		c.Mode = Mode(f.Mode)
	}

	setString(&c.TorVersion, f.Tor.Version)
	setString(&c.TorrcFile, f.Tor.TorrcFile)
	setString(&c.TorrcOptions, f.Tor.TorrcOptions)
	if len(f.Tor.Bridges) > 0 {
		c.Bridges = append([]string(nil), f.Tor.Bridges...)
	}
	setDuration(&c.StartupTimeout, f.Tor.StartupTimeout)
	setDuration(&c.BootstrapTimeout, f.Tor.BootstrapTimeout)

	setString(&c.ControlHost, f.Control.Host)
	setInt(&c.ControlPort, f.Control.Port)
	setString(&c.ControlPassword, f.Control.Password)

	setString(&c.SocksAddress, f.Limited.Socks)
	setString(&c.OnionAddress, f.Limited.Onion)
	setDuration(&c.ValidationTimeout, f.Limited.ValidationTimeout)

	if f.Node.LocalPort != 0 {
		c.LocalPort = f.Node.LocalPort
	}
	if f.Node.HiddenServicePort != 0 {
		c.HiddenServicePort = f.Node.HiddenServicePort
	}
	setDuration(&c.ConnectTimeout, f.Node.ConnectTimeout)
	setDuration(&c.ShutdownTimeout, f.Node.ShutdownTimeout)
	setInt(&c.PoolSize, f.Node.PoolSize)
	setInt(&c.MaxKeyBackups, f.Node.MaxKeyBackups)

	setInt(&c.RetryAttempts, f.Retry.Attempts)
	setDuration(&c.RetryWindow, f.Retry.Window)

	setDuration(&c.TorReadyDelay, f.Localhost.TorReadyDelay)
	setDuration(&c.PublishDelay, f.Localhost.PublishDelay)

	c.Verbose = c.Verbose || f.Log.Verbose
	c.Trace = c.Trace || f.Log.Trace
	c.JSONLog = c.JSONLog || f.Log.JSON
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const testOnion = "2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid.onion:9999"

// TestNewConfig pins the defaults.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{name: "mode", got: cfg.Mode, want: ModeNew},
		{name: "hidden service port", got: cfg.HiddenServicePort, want: uint16(9999)},
		{name: "control port", got: cfg.ControlPort, want: 9051},
		{name: "socks address", got: cfg.SocksAddress, want: "127.0.0.1:9050"},
		{name: "connect timeout", got: cfg.ConnectTimeout, want: 240 * time.Second},
		{name: "shutdown timeout", got: cfg.ShutdownTimeout, want: 2 * time.Second},
		{name: "retry attempts", got: cfg.RetryAttempts, want: 3},
		{name: "retry window", got: cfg.RetryWindow, want: 2 * time.Minute},
		{name: "max key backups", got: cfg.MaxKeyBackups, want: 20},
		{name: "data dir", got: cfg.DataDir, want: XDGDataDir()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if diff := cmp.Diff(tt.want, tt.got); diff != "" {
				t.Errorf("default mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfigPaths(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	cfg.DataDir = "/data"

	if got := cfg.TorDir(); got != filepath.Join("/data", "tor") {
		t.Errorf("TorDir() = %q", got)
	}
	if got := cfg.JournalPath(); got != filepath.Join("/data", "journal.db") {
		t.Errorf("JournalPath() = %q", got)
	}
}

// TestConfigValidate changes one field of a valid config per case.
func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{name: "defaults are valid", modify: func(*Config) {}},
		{name: "unknown mode", modify: func(c *Config) { c.Mode = "bridge" }, want: ErrUnknownMode},
		{name: "empty data dir", modify: func(c *Config) { c.DataDir = "" }, want: ErrNoDataDir},
		{name: "zero connect timeout", modify: func(c *Config) { c.ConnectTimeout = 0 }, want: ErrInvalidConnectTimeout},
		{name: "negative shutdown timeout", modify: func(c *Config) { c.ShutdownTimeout = -time.Second }, want: ErrInvalidShutdownTimeout},
		{name: "zero retry attempts", modify: func(c *Config) { c.RetryAttempts = 0 }, want: ErrInvalidRetry},
		{name: "zero retry window", modify: func(c *Config) { c.RetryWindow = 0 }, want: ErrInvalidRetry},
		{name: "zero pool size", modify: func(c *Config) { c.PoolSize = 0 }, want: ErrInvalidPoolSize},
		{
			name: "running mode with bad control port",
			modify: func(c *Config) {
				c.Mode = ModeRunning
				c.ControlPort = 70000
			},
			want: ErrInvalidControlPort,
		},
		{
			name: "control port is ignored outside running mode",
			modify: func(c *Config) {
				c.ControlPort = 70000
			},
		},
		{
			name: "limited mode valid",
			modify: func(c *Config) {
				c.Mode = ModeLimited
				c.OnionAddress = testOnion
				c.LocalPort = 4000
			},
		},
		{
			name: "limited mode bad socks address",
			modify: func(c *Config) {
				c.Mode = ModeLimited
				c.SocksAddress = "nowhere"
				c.OnionAddress = testOnion
				c.LocalPort = 4000
			},
			want: ErrInvalidSocksAddress,
		},
		{
			name: "limited mode clearnet address",
			modify: func(c *Config) {
				c.Mode = ModeLimited
				c.OnionAddress = "example.com:9999"
				c.LocalPort = 4000
			},
			want: ErrInvalidOnionAddress,
		},
		{
			name: "limited mode missing local port",
			modify: func(c *Config) {
				c.Mode = ModeLimited
				c.OnionAddress = testOnion
			},
			want: ErrMissingLocalPort,
		},
		{
			name: "localhost mode negative delay",
			modify: func(c *Config) {
				c.Mode = ModeLocalhost
				c.PublishDelay = -time.Millisecond
			},
			want: ErrNegativeDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := NewConfig()
			cfg.DataDir = t.TempDir()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestModeValid(t *testing.T) {
	t.Parallel()

	for _, m := range Modes() {
		if !m.Valid() {
			t.Errorf("%q reported invalid", m)
		}
	}
	if Mode("").Valid() {
		t.Error("empty mode reported valid")
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrConfigNotFound for a missing file", func(t *testing.T) {
		t.Parallel()

		f, err := LoadConfigFile(filepath.Join(t.TempDir(), DefaultConfigFile))
		if !errors.Is(err, ErrConfigNotFound) {
			t.Fatalf("err = %v, want ErrConfigNotFound", err)
		}
		if f != nil {
			t.Error("expected nil file")
		}
	})

	t.Run("returns an error for invalid YAML", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), DefaultConfigFile)
		if err := os.WriteFile(path, []byte("mode: [}"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadConfigFile(path); err == nil {
			t.Fatal("expected a parse error")
		}
	})

	t.Run("applies file values over defaults", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), DefaultConfigFile)
		content := `mode: limited
dataDir: /srv/torpeer
tor:
  torrcOptions: "ConnectionPadding=1"
  bridges:
    - "obfs4 192.0.2.1:443 FINGERPRINT cert=abc iat-mode=0"
  bootstrapTimeout: 5m
limited:
  socks: 127.0.0.1:9150
  onion: ` + testOnion + `
node:
  localPort: 4000
  connectTimeout: 90s
retry:
  attempts: 5
localhost:
  publishDelay: 10ms
log:
  trace: true
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		f, err := LoadConfigFile(path)
		if err != nil {
			t.Fatalf("LoadConfigFile() error = %v", err)
		}

		cfg := NewConfig()
		cfg.Apply(f)

		want := NewConfig()
		want.Mode = ModeLimited
		want.DataDir = "/srv/torpeer"
		want.TorrcOptions = "ConnectionPadding=1"
		want.Bridges = []string{"obfs4 192.0.2.1:443 FINGERPRINT cert=abc iat-mode=0"}
		want.BootstrapTimeout = 5 * time.Minute
		want.SocksAddress = "127.0.0.1:9150"
		want.OnionAddress = testOnion
		want.LocalPort = 4000
		want.ConnectTimeout = 90 * time.Second
		want.RetryAttempts = 5
		want.PublishDelay = 10 * time.Millisecond
		want.Trace = true

		if diff := cmp.Diff(want, cfg); diff != "" {
			t.Errorf("config mismatch (-want +got):\n%s", diff)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() = %v", err)
		}
	})

	t.Run("nil file leaves config untouched", func(t *testing.T) {
		t.Parallel()

		cfg := NewConfig()
		cfg.Apply(nil)
		if diff := cmp.Diff(NewConfig(), cfg); diff != "" {
			t.Errorf("config changed (-want +got):\n%s", diff)
		}
	})
}

func TestFindConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns an explicit path that exists", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(path, []byte("mode: new\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if got := FindConfigFile(path); got != path {
			t.Errorf("FindConfigFile() = %q, want %q", got, path)
		}
	})

	t.Run("returns empty for a missing explicit path", func(t *testing.T) {
		t.Parallel()

		if got := FindConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); got != "" {
			t.Errorf("FindConfigFile() = %q, want empty", got)
		}
	})
}

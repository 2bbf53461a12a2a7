package tor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nao1215/torpeer/internal/backup"
)

// HiddenServiceDirName is the hidden service directory inside the Tor directory.
const HiddenServiceDirName = "hiddenservice"

// privateKeyFiles are the onion service key files kept under rolling backup:
// the historical "private_key" name and the v3 secret key Tor writes today.
var privateKeyFiles = []string{"private_key", "hs_ed25519_secret_key"}

// ModeKind identifies a Mode variant.
type ModeKind int

const (
	// ModeNewTor downloads and launches a dedicated Tor process.
	ModeNewTor ModeKind = iota
	// ModeRunningTor attaches to a running Tor through its control port.
	ModeRunningTor
	// ModeLimitedRunningTor uses an externally managed Tor and onion service.
	ModeLimitedRunningTor
)

// String returns the variant name.
func (k ModeKind) String() string {
	switch k {
	case ModeNewTor:
		return "NewTor"
	case ModeRunningTor:
		return "RunningTor"
	case ModeLimitedRunningTor:
		return "LimitedRunningTor"
	default:
		return "unknown"
	}
}

// ControlBacked reports whether the variant talks to Tor's control port and
// can therefore create or reuse onion services.
func (k ModeKind) ControlBacked() bool {
	return k == ModeNewTor || k == ModeRunningTor
}

// Mode obtains a usable Tor instance. The three implementations are
// LaunchMode, RunningMode and LimitedMode.
type Mode interface {
	// Kind returns the variant.
	Kind() ModeKind
	// GetTor blocks until Tor is usable or fails. Errors carry a kind
	// retrievable with Classify.
	GetTor(ctx context.Context) (*Tor, error)
	// TorDir is the root directory for Tor state and keys.
	TorDir() string
	// HiddenServiceDir is TorDir/hiddenservice.
	HiddenServiceDir() string
	// BackupPrivateKey stores a rolling copy of the onion service key.
	BackupPrivateKey() error
}

// BridgeProvider supplies bridge lines chosen by the user or UI.
type BridgeProvider interface {
	BridgeAddresses() []string
}

// BridgeProviderFunc adapts a function to BridgeProvider.
type BridgeProviderFunc func() []string

// BridgeAddresses implements BridgeProvider.
func (f BridgeProviderFunc) BridgeAddresses() []string {
	return f()
}

// ModeOption configures any Mode.
type ModeOption func(*modeOptions)

type modeOptions struct {
	logger     *slog.Logger
	retry      RetryPolicy
	maxBackups int
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ModeOption {
	return func(o *modeOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRetryPolicy overrides the attempt count and time window.
func WithRetryPolicy(p RetryPolicy) ModeOption {
	return func(o *modeOptions) {
		o.retry = p
	}
}

// WithMaxKeyBackups sets how many private key backups are kept.
func WithMaxKeyBackups(n int) ModeOption {
	return func(o *modeOptions) {
		if n > 0 {
			o.maxBackups = n
		}
	}
}

// modeBase holds what all variants share: the Tor directory, the hidden
// service directory and the private key backup.
type modeBase struct {
	torDir     string
	hsDir      string
	logger     *slog.Logger
	retry      RetryPolicy
	maxBackups int
}

// newModeBase creates torDir eagerly so that permission problems surface at
// construction time.
func newModeBase(torDir string, opts []ModeOption) (modeBase, error) {
	o := modeOptions{
		logger:     slog.Default(),
		retry:      DefaultRetryPolicy(),
		maxBackups: backup.DefaultMaxBackups,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if torDir == "" {
		return modeBase{}, newSetupError(KindIOFailure, "create tor directory", os.ErrInvalid)
	}
	abs, err := filepath.Abs(torDir)
	if err != nil {
		return modeBase{}, newSetupError(KindIOFailure, "create tor directory", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return modeBase{}, newSetupError(KindIOFailure, "create tor directory", err)
	}

	return modeBase{
		torDir:     abs,
		hsDir:      filepath.Join(abs, HiddenServiceDirName),
		logger:     o.logger,
		retry:      o.retry,
		maxBackups: o.maxBackups,
	}, nil
}

// TorDir implements Mode.
func (b *modeBase) TorDir() string {
	return b.torDir
}

// HiddenServiceDir implements Mode.
func (b *modeBase) HiddenServiceDir() string {
	return b.hsDir
}

// BackupPrivateKey implements Mode. Key files that do not exist yet are skipped.
func (b *modeBase) BackupPrivateKey() error {
	for _, name := range privateKeyFiles {
		if err := backup.RollingBackup(b.hsDir, name, b.maxBackups); err != nil {
			return newSetupError(KindIOFailure, "backup private key", fmt.Errorf("%s: %w", name, err))
		}
	}
	return nil
}

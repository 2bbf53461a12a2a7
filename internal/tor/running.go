package tor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/nao1215/torpeer/internal/model"
)

// DefaultControlPort is Tor's conventional control port.
const DefaultControlPort = 9051

// RunningConfig configures RunningMode.
//
// Design decision: Password is a function rather than a string because:
//  1. Cookie authentication is tried first and usually succeeds
//  2. The caller can prompt or read a secret store only when it is needed
//  3. The password never sits in a long lived config value
type RunningConfig struct {
	// TorDir holds the hidden service directory and key backups.
	TorDir string

	// ControlHost is the control port host. Empty means 127.0.0.1.
	ControlHost string

	// ControlPort is the control port. Zero means DefaultControlPort.
	ControlPort int

	// Password returns the control port password. It is consulted only
	// when cookie authentication fails. Nil means no password fallback.
	Password func() string
}

// RunningMode attaches to an already running Tor through its control port.
type RunningMode struct {
	modeBase
	cfg RunningConfig

	dialControl func(ctx context.Context, addr string) (AuthController, error)
}

var _ Mode = (*RunningMode)(nil)

// NewRunningMode creates the RunningTor variant.
func NewRunningMode(cfg RunningConfig, opts ...ModeOption) (*RunningMode, error) {
	base, err := newModeBase(cfg.TorDir, opts)
	if err != nil {
		return nil, err
	}
	if cfg.ControlHost == "" {
		cfg.ControlHost = "127.0.0.1"
	}
	if cfg.ControlPort == 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if cfg.ControlPort < 0 || cfg.ControlPort > 65535 {
		return nil, fmt.Errorf("invalid control port %d", cfg.ControlPort)
	}
	return &RunningMode{
		modeBase:    base,
		cfg:         cfg,
		dialControl: dialControl,
	}, nil
}

// Kind implements Mode.
func (m *RunningMode) Kind() ModeKind {
	return ModeRunningTor
}

// ControlAddr returns host:port of the control port.
func (m *RunningMode) ControlAddr() string {
	return net.JoinHostPort(m.cfg.ControlHost, strconv.Itoa(m.cfg.ControlPort))
}

// GetTor implements Mode. It authenticates with the cookie (or no
// credentials) first and falls back to the configured password.
func (m *RunningMode) GetTor(ctx context.Context) (*Tor, error) {
	var t *Tor
	err := m.retry.run(ctx, m.logger, "connect to running tor", func(ctx context.Context) error {
		ctrl, err := m.connect(ctx)
		if err != nil {
			return err
		}
		t = newTor(ctrl, nil, model.Socks5Proxy{}, m.logger)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (m *RunningMode) connect(ctx context.Context) (AuthController, error) {
	addr := m.ControlAddr()
	ctrl, err := m.dialControl(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", addr, err)
	}
	cookieErr := authenticate(ctx, ctrl, "")
	if cookieErr == nil {
		m.logger.Info("attached to running tor", "controlAddr", addr, "auth", "cookie")
		return ctrl, nil
	}
	_ = ctrl.Close() //nolint:errcheck // reconnect for password auth
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if m.cfg.Password == nil {
		return nil, fmt.Errorf("failed to authenticate with control port %s: %w", addr, cookieErr)
	}

	m.logger.Debug("cookie authentication failed, trying password", "controlAddr", addr)
	ctrl, err = m.dialControl(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port %s: %w", addr, err)
	}
	if err := authenticate(ctx, ctrl, m.cfg.Password()); err != nil {
		_ = ctrl.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to authenticate with control port %s: %w", addr, errors.Join(cookieErr, err))
	}
	m.logger.Info("attached to running tor", "controlAddr", addr, "auth", "password")
	return ctrl, nil
}

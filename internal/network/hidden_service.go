package network

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/tor"
)

// DefaultHiddenServicePort is the onion port peers connect to.
const DefaultHiddenServicePort = 9999

// HiddenServiceSocket is the listening socket behind the node's onion
// service.
type HiddenServiceSocket struct {
	localPort         uint16
	hiddenServiceDir  string
	hiddenServicePort uint16
	logger            *slog.Logger

	listener      net.Listener
	onionHostname string
	reused        bool

	closeOnce sync.Once
	closeErr  error
}

// NewHiddenServiceSocket describes a socket on 127.0.0.1:localPort published
// as <onion>:hiddenServicePort from hiddenServiceDir. A zero localPort picks a
// free port when a new service is created.
func NewHiddenServiceSocket(localPort uint16, hiddenServiceDir string, hiddenServicePort uint16, logger *slog.Logger) *HiddenServiceSocket {
	if hiddenServicePort == 0 {
		hiddenServicePort = DefaultHiddenServicePort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HiddenServiceSocket{
		localPort:         localPort,
		hiddenServiceDir:  hiddenServiceDir,
		hiddenServicePort: hiddenServicePort,
		logger:            logger,
	}
}

// Initialize binds the socket and makes sure the onion service forwards to
// it.
//
// For control-backed modes an onion service already configured for the same
// directory is reused: its local port replaces the requested one and no
// new service is registered, so the onion address survives restarts.
// Otherwise a v3 service is registered. For LimitedRunningTor the external
// onion address is used as is.
func (s *HiddenServiceSocket) Initialize(ctx context.Context, t *tor.Tor, kind tor.ModeKind) error {
	if s.listener != nil {
		return errors.New("hidden service socket already initialized")
	}

	if !kind.ControlBacked() {
		external, ok := t.External()
		if !ok {
			return errors.New("limited tor handle has no external onion address")
		}
		if err := s.listen(ctx); err != nil {
			return err
		}
		s.onionHostname = external.Host()
		s.hiddenServicePort = external.Port()
		return nil
	}

	svc, found, err := t.FindOnionService(ctx, s.hiddenServiceDir)
	if err != nil {
		return err
	}
	if found {
		s.logger.Info("reusing onion service", "dir", s.hiddenServiceDir, "localPort", svc.TargetPort, "requestedPort", s.localPort)
		s.localPort = svc.TargetPort
		s.hiddenServicePort = svc.VirtualPort
		if err := s.listen(ctx); err != nil {
			return err
		}
		s.onionHostname = svc.Hostname
		s.reused = true
		return nil
	}

	if err := s.listen(ctx); err != nil {
		return err
	}
	svc, err = t.CreateOnionService(ctx, s.hiddenServiceDir, s.hiddenServicePort, s.localPort)
	if err != nil {
		_ = s.Close()
		return err
	}
	s.onionHostname = svc.Hostname
	s.logger.Info("published onion service", "onion", svc.Hostname, "port", s.hiddenServicePort, "localPort", s.localPort)
	return nil
}

// listen binds 127.0.0.1:localPort. Go sets SO_REUSEADDR on listening
// sockets and the kernel backlog exceeds five.
func (s *HiddenServiceSocket) listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(s.localPort))))
	if err != nil {
		return &tor.SetupError{Kind: tor.KindIOFailure, Op: "bind hidden service socket", Err: err}
	}
	s.listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.localPort = uint16(addr.Port) //nolint:gosec // a TCP port fits in uint16
	}
	return nil
}

// Listener returns the bound socket, or nil before Initialize.
func (s *HiddenServiceSocket) Listener() net.Listener {
	return s.listener
}

// LocalPort returns the local port, which may differ from the requested one
// after a reuse.
func (s *HiddenServiceSocket) LocalPort() uint16 {
	return s.localPort
}

// OnionHostname returns the published onion hostname after Initialize.
func (s *HiddenServiceSocket) OnionHostname() string {
	return s.onionHostname
}

// Reused reports whether an existing onion service was adopted.
func (s *HiddenServiceSocket) Reused() bool {
	return s.reused
}

// Address returns the onion address peers use.
func (s *HiddenServiceSocket) Address() (model.NodeAddress, error) {
	if s.onionHostname == "" {
		return model.NodeAddress{}, errors.New("hidden service socket is not initialized")
	}
	return model.NewNodeAddress(s.onionHostname, s.hiddenServicePort)
}

// Close releases the listening socket. It is safe to call more than once.
func (s *HiddenServiceSocket) Close() error {
	s.closeOnce.Do(func() {
		if s.listener != nil {
			s.closeErr = s.listener.Close()
		}
	})
	return s.closeErr
}

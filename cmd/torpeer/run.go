package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/nao1215/torpeer/internal/config"
	"github.com/nao1215/torpeer/internal/journal"
	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/network"
	"github.com/nao1215/torpeer/internal/tor"
)

// errBridgesRequested ends run when Tor could not start with the default bridges.
var errBridgesRequested = errors.New("tor could not be started: configure bridges (tor.bridges in the config file or --bridge) and retry")

// NewRunCmd creates the run command.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a node and publish its onion service",
		Long: `Run starts a network node, publishes its onion service and echoes every
inbound connection back to the peer until interrupted.

Modes:
  new        download (once) and launch a dedicated Tor process (default)
  running    attach to a system Tor through its control port
  limited    use an onion service and SOCKS port managed elsewhere
  localhost  no Tor, for local testing

Examples:
  # Launch a dedicated Tor
  torpeer run

  # Attach to a system Tor, falling back to a control password
  torpeer run --mode running --control-port 9051 --control-password secret

  # Use an onion service configured in an external torrc
  torpeer run --mode limited --socks 127.0.0.1:9050 \
    --onion <56 chars>.onion:9999 --local-port 4000

  # Test without Tor
  torpeer run --mode localhost --local-port 4000`,
		Args: cobra.NoArgs,
		RunE: runRunCmd,
	}

	f := cmd.Flags()
	f.StringP("mode", "m", string(config.DefaultMode), "Tor mode: new, running, limited or localhost")
	f.Uint16P("local-port", "p", 0, "Local port onion traffic is forwarded to (0 picks a free port)")
	f.Uint16("hs-port", config.DefaultHiddenServicePort, "Onion service virtual port")
	f.String("tor-version", config.DefaultTorVersion, "Tor expert bundle version (mode new)")
	f.String("torrc", "", "torrc merged over the generated defaults (mode new)")
	f.String("torrc-options", "", "Comma separated Key=Value torrc overrides (mode new)")
	f.StringSlice("bridge", nil, "Bridge line, repeatable (mode new)")
	f.String("control-host", "127.0.0.1", "Control port host (mode running)")
	f.Int("control-port", config.DefaultControlPort, "Control port (mode running)")
	f.String("control-password", "", "Control password used when cookie authentication fails (mode running)")
	f.String("socks", config.DefaultSocksAddress, "SOCKS5 proxy address (mode limited)")
	f.String("onion", "", "Externally published onion address host.onion:port (mode limited)")
	f.Duration("connect-timeout", config.DefaultConnectTimeout, "Timeout for outbound connections")
	f.Duration("shutdown-timeout", config.DefaultShutdownTimeout, "Shutdown watchdog")
	f.Bool("no-journal", false, "Do not record setup events")

	return cmd
}

func runRunCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}
	noJournal, err := cmd.Flags().GetBool("no-journal")
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var j *journal.Journal
	if !noJournal {
		if j, err = journal.Open(cfg.JournalPath()); err != nil {
			return err
		}
		defer j.Close()
	}
	return runNode(ctx, cfg, j, logger, cmd.OutOrStdout())
}

// applyRunFlags copies the run flags the user set explicitly onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && f.Changed(name) {
			err = apply()
		}
	}

	set("mode", func() error {
		m, e := f.GetString("mode")
		cfg.Mode = config.Mode(m)
		return e
	})
	set("local-port", func() (e error) { cfg.LocalPort, e = f.GetUint16("local-port"); return })
	set("hs-port", func() (e error) { cfg.HiddenServicePort, e = f.GetUint16("hs-port"); return })
	set("tor-version", func() (e error) { cfg.TorVersion, e = f.GetString("tor-version"); return })
	set("torrc", func() (e error) { cfg.TorrcFile, e = f.GetString("torrc"); return })
	set("torrc-options", func() (e error) { cfg.TorrcOptions, e = f.GetString("torrc-options"); return })
	set("bridge", func() (e error) { cfg.Bridges, e = f.GetStringSlice("bridge"); return })
	set("control-host", func() (e error) { cfg.ControlHost, e = f.GetString("control-host"); return })
	set("control-port", func() (e error) { cfg.ControlPort, e = f.GetInt("control-port"); return })
	set("control-password", func() (e error) { cfg.ControlPassword, e = f.GetString("control-password"); return })
	set("socks", func() (e error) { cfg.SocksAddress, e = f.GetString("socks"); return })
	set("onion", func() (e error) { cfg.OnionAddress, e = f.GetString("onion"); return })
	set("connect-timeout", func() (e error) { cfg.ConnectTimeout, e = f.GetDuration("connect-timeout"); return })
	set("shutdown-timeout", func() (e error) { cfg.ShutdownTimeout, e = f.GetDuration("shutdown-timeout"); return })
	return err
}

// runNode starts a node, reports its address on out and blocks until ctx
// is done or setup fails. The node is always shut down before returning.
func runNode(ctx context.Context, cfg *config.Config, j *journal.Journal, logger *slog.Logger, out io.Writer) error {
	node, err := newNode(cfg, logger, out)
	if err != nil {
		return err
	}

	var recorder *journal.Recorder
	if j != nil {
		recorder = journal.NewRecorder(j, string(cfg.Mode), node, logger)
		node.AddSetupListener(recorder)
	}

	failed := make(chan error, 1)
	listener := &network.SetupListenerFuncs{
		TorNodeReady: func() {
			logger.Info("tor is ready", "mode", string(cfg.Mode))
		},
		HiddenServicePublished: func() {
			if addr, ok := node.NodeAddress(); ok {
				fmt.Fprintf(out, "Listening on %s\n", addr)
			}
		},
		SetupFailed: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
		RequestCustomBridges: func() {
			select {
			case failed <- errBridgesRequested:
			default:
			}
		},
	}
	if err := node.Start(listener); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal, stopping node")
	case err = <-failed:
		logger.Error("node setup failed", "kind", tor.Classify(err).String(), "error", err)
	}

	done := make(chan struct{})
	node.Shutdown(func() { close(done) })
	<-done
	if recorder != nil {
		recorder.RecordShutdown()
	}
	return err
}

// newNode builds the node for cfg.Mode.
func newNode(cfg *config.Config, logger *slog.Logger, out io.Writer) (network.NetworkNode, error) {
	opts := []network.Option{
		network.WithLogger(logger),
		network.WithPoolSize(cfg.PoolSize),
		network.WithConnectTimeout(cfg.ConnectTimeout),
		network.WithShutdownTimeout(cfg.ShutdownTimeout),
		network.WithConnectionHandler(echoHandler(logger)),
	}

	if cfg.Mode == config.ModeLocalhost {
		delays := network.LocalhostDelays{
			TorReady:               cfg.TorReadyDelay,
			HiddenServicePublished: cfg.PublishDelay,
		}
		return network.NewLocalhostNetworkNode(cfg.LocalPort, delays, opts...)
	}

	mode, err := newTorMode(cfg, logger, out)
	if err != nil {
		return nil, err
	}
	return network.NewTorNetworkNode(network.TorNodeConfig{
		Mode:              mode,
		LocalPort:         cfg.LocalPort,
		HiddenServicePort: cfg.HiddenServicePort,
	}, opts...)
}

// newTorMode builds the Tor mode for cfg.Mode.
func newTorMode(cfg *config.Config, logger *slog.Logger, out io.Writer) (tor.Mode, error) {
	opts := []tor.ModeOption{
		tor.WithLogger(logger),
		tor.WithRetryPolicy(tor.RetryPolicy{
			Attempts: cfg.RetryAttempts,
			Window:   cfg.RetryWindow,
			Delay:    tor.DefaultRetryDelay,
		}),
		tor.WithMaxKeyBackups(cfg.MaxKeyBackups),
	}

	switch cfg.Mode {
	case config.ModeNew:
		launch := tor.LaunchConfig{
			TorDir:           cfg.TorDir(),
			Installer:        newInstaller(cfg, logger, out),
			TorrcFile:        cfg.TorrcFile,
			TorrcOptions:     cfg.TorrcOptions,
			StartupTimeout:   cfg.StartupTimeout,
			BootstrapTimeout: cfg.BootstrapTimeout,
		}
		if len(cfg.Bridges) > 0 {
			bridges := append([]string(nil), cfg.Bridges...)
			launch.Bridges = tor.BridgeProviderFunc(func() []string { return bridges })
		}
		return tor.NewLaunchMode(launch, opts...)

	case config.ModeRunning:
		var password func() string
		if cfg.ControlPassword != "" {
			pw := cfg.ControlPassword
			password = func() string { return pw }
		}
		return tor.NewRunningMode(tor.RunningConfig{
			TorDir:      cfg.TorDir(),
			ControlHost: cfg.ControlHost,
			ControlPort: cfg.ControlPort,
			Password:    password,
		}, opts...)

	case config.ModeLimited:
		socks, err := model.ParseSocks5Proxy(cfg.SocksAddress)
		if err != nil {
			return nil, err
		}
		onion, err := model.ParseNodeAddress(cfg.OnionAddress)
		if err != nil {
			return nil, err
		}
		return tor.NewLimitedMode(tor.LimitedConfig{
			TorDir:            cfg.TorDir(),
			Socks:             socks,
			Onion:             onion,
			LocalPort:         cfg.LocalPort,
			ValidationTimeout: cfg.ValidationTimeout,
		}, opts...)

	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownMode, cfg.Mode)
	}
}

// newInstaller builds the Tor binary installer with a download progress bar on out.
func newInstaller(cfg *config.Config, logger *slog.Logger, out io.Writer, extra ...tor.InstallerOption) *tor.Installer {
	opts := []tor.InstallerOption{
		tor.WithTorVersion(cfg.TorVersion),
		tor.WithInstallerLogger(logger),
		tor.WithProgress(func(total int64) io.Writer {
			return progressbar.NewOptions64(
				total,
				progressbar.OptionSetDescription("downloading tor"),
				progressbar.OptionSetWriter(out),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionThrottle(65*time.Millisecond),
				progressbar.OptionOnCompletion(func() { fmt.Fprintln(out) }),
			)
		}),
	}
	return tor.NewInstaller(cfg.DataDir, append(opts, extra...)...)
}

// echoHandler writes every inbound byte back to the peer.
func echoHandler(logger *slog.Logger) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		n, err := io.Copy(conn, conn)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("echo connection ended", "remote", conn.RemoteAddr().String(), "bytes", n, "error", err)
			return
		}
		logger.Debug("echo connection closed", "remote", conn.RemoteAddr().String(), "bytes", n)
	}
}

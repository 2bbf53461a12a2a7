package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/torpeer/internal/config"
	"github.com/nao1215/torpeer/internal/log"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "torpeer",
		Short: "Run a peer-to-peer node behind a Tor onion service",
		Long: `torpeer runs a peer-to-peer network node whose inbound address is a Tor
v3 onion service and whose outbound connections go through Tor's SOCKS5 proxy.

By default torpeer downloads and launches its own Tor. Use --mode running to
attach to a system Tor through its control port, --mode limited to use an
onion service managed elsewhere, or --mode localhost to test without Tor.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.BoolP("verbose", "v", false, "Enable debug logging")
	flags.Bool("trace", false, "Also log Tor's own output")
	flags.Bool("log-json", false, "Write logs as JSON")
	flags.StringP("config", "c", "",
		"Configuration file (default: "+config.DefaultConfigFile+" in the current or home directory)")
	flags.String("data-dir", "", "Data directory (default: "+config.XDGDataDir()+")")

	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewInstallTorCmd())
	cmd.AddCommand(NewCheckCmd())
	cmd.AddCommand(NewHistoryCmd())
	cmd.AddCommand(NewInitCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig builds the configuration: defaults, then the configuration
// file, then the global flags the user set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.NewConfig()

	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg.ConfigFilePath = path

	if found := config.FindConfigFile(path); found != "" {
		f, err := config.LoadConfigFile(found)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", found, err)
		}
		cfg.Apply(f)
	} else if path != "" {
		return nil, fmt.Errorf("%w: %s", config.ErrConfigNotFound, path)
	}

	if flags.Changed("verbose") {
		if cfg.Verbose, err = flags.GetBool("verbose"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("trace") {
		if cfg.Trace, err = flags.GetBool("trace"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("log-json") {
		if cfg.JSONLog, err = flags.GetBool("log-json"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("data-dir") {
		if cfg.DataDir, err = flags.GetString("data-dir"); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// newLogger builds the command logger and installs it as the slog default.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	logger := log.NewLogger(cmd.ErrOrStderr(), log.Level(cfg.Verbose, cfg.Trace), cfg.JSONLog)
	slog.SetDefault(logger)
	return logger
}

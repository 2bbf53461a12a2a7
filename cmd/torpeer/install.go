package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nao1215/torpeer/internal/tor"
)

// NewInstallTorCmd creates the install-tor command.
func NewInstallTorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install-tor",
		Short: "Download the Tor expert bundle used by mode new",
		Long: `Install-tor downloads and extracts the Tor expert bundle into the data
directory ahead of time, so that the first "torpeer run" does not have to.
An existing installation is left untouched.

Examples:
  # Install the default version
  torpeer install-tor

  # Only report whether Tor is installed
  torpeer install-tor --check`,
		Args: cobra.NoArgs,
		RunE: runInstallTorCmd,
	}

	cmd.Flags().String("tor-version", "", "Tor expert bundle version (default from the config file or "+tor.DefaultTorVersion+")")
	cmd.Flags().String("bundle-url", tor.DefaultBundleBaseURL, "Base URL of the expert bundle downloads")
	cmd.Flags().Bool("check", false, "Report the installation status without downloading")

	return cmd
}

func runInstallTorCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("tor-version") {
		if cfg.TorVersion, err = flags.GetString("tor-version"); err != nil {
			return err
		}
	}
	bundleURL, err := flags.GetString("bundle-url")
	if err != nil {
		return err
	}
	checkOnly, err := flags.GetBool("check")
	if err != nil {
		return err
	}

	logger := newLogger(cmd, cfg)
	out := cmd.OutOrStdout()
	installer := newInstaller(cfg, logger, out, tor.WithBundleBaseURL(bundleURL))

	if bin, ok := installer.Installed(); ok {
		fmt.Fprintf(out, "Tor %s is installed: %s\n", cfg.TorVersion, bin.Path)
		return nil
	}
	if checkOnly {
		dir, err := installer.Dir()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Tor %s is not installed (expected in %s)\n", cfg.TorVersion, dir)
		return nil
	}

	bin, err := installer.Ensure(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to install tor: %w", err)
	}
	fmt.Fprintf(out, "Tor %s installed: %s\n", cfg.TorVersion, bin.Path)
	return nil
}

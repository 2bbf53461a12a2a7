package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torpeer/internal/model"
	"github.com/nao1215/torpeer/internal/netutil"
	"github.com/nao1215/torpeer/internal/tor"
)

// errCheckFailed is returned when at least one check did not pass.
var errCheckFailed = errors.New("check failed")

// NewCheckCmd creates the check command.
func NewCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [peer-address]",
		Short: "Validate a peer address and probe a SOCKS5 proxy",
		Long: `Check validates a peer address of the form host.onion:port, including the
v3 onion checksum, and optionally probes a SOCKS5 proxy the way mode limited
does before trusting it.

Examples:
  # Validate an address
  torpeer check 2gzyxa5ihm7nsggfxnu52rck2vv4rvmdlkiu3zzui5du4xyclen53wid.onion:9999

  # Probe the system Tor's SOCKS port
  torpeer check --proxy 127.0.0.1:9050`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCheckCmd,
	}

	cmd.Flags().String("proxy", "", "SOCKS5 proxy address to probe")
	cmd.Flags().Duration("timeout", tor.DefaultProbeTimeout, "Proxy probe timeout")

	return cmd
}

func runCheckCmd(cmd *cobra.Command, args []string) error {
	proxyAddr, err := cmd.Flags().GetString("proxy")
	if err != nil {
		return err
	}
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return err
	}
	if len(args) == 0 && proxyAddr == "" {
		return errors.New("nothing to check: give a peer address or --proxy")
	}

	out := cmd.OutOrStdout()
	ok := true
	if len(args) == 1 {
		if err := checkPeerAddress(args[0]); err != nil {
			fmt.Fprintf(out, "address %s: %v\n", args[0], err)
			ok = false
		} else {
			fmt.Fprintf(out, "address %s: valid v3 onion address\n", args[0])
		}
	}
	if proxyAddr != "" {
		status := checkProxy(cmd, proxyAddr, timeout)
		fmt.Fprintf(out, "proxy %s: %s\n", proxyAddr, status)
		if status != tor.ProxyStatusOK {
			ok = false
		}
	}

	if !ok {
		return errCheckFailed
	}
	return nil
}

// checkPeerAddress accepts only v3 onion addresses with a valid checksum.
func checkPeerAddress(s string) error {
	addr, err := model.ParseNodeAddress(s)
	if err != nil {
		return err
	}
	if !addr.IsOnion() {
		return fmt.Errorf("%s is not an onion host", addr.Host())
	}
	if netutil.IsV2Address(addr.Host()) {
		return errors.New("v2 onion addresses are no longer supported by Tor")
	}
	if !netutil.IsValidV3Address(addr.Host()) {
		return errors.New("invalid v3 onion checksum or version")
	}
	return nil
}

func checkProxy(cmd *cobra.Command, addr string, timeout time.Duration) tor.ProxyStatus {
	proxy, err := model.ParseSocks5Proxy(addr)
	if err != nil {
		return tor.ProxyStatusCannotConnect
	}
	return tor.ProbeSocks5(cmd.Context(), proxy.Addr(), timeout)
}

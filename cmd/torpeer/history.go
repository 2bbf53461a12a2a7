package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/torpeer/internal/journal"
	"github.com/nao1215/torpeer/internal/report"
)

// defaultHistoryLimit bounds the events read by history.
const defaultHistoryLimit = 500

// NewHistoryCmd creates the history command.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past node setups from the journal",
		Long: `History summarizes the setup journal written by "torpeer run": one entry
per run with its outcome, published address and failures.

Examples:
  # Terminal summary with failure details
  torpeer history -v

  # Markdown report of the last 100 events in mode running
  torpeer history --format markdown --mode running --limit 100 > history.md`,
		Args: cobra.NoArgs,
		RunE: runHistoryCmd,
	}

	cmd.Flags().String("format", string(report.FormatText), "Output format: text, json or markdown")
	cmd.Flags().String("mode", "", "Only show sessions of this mode")
	cmd.Flags().Int("limit", defaultHistoryLimit, "Maximum number of most recent events to read (0 for all)")

	return cmd
}

func runHistoryCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	format, err := flags.GetString("format")
	if err != nil {
		return err
	}
	mode, err := flags.GetString("mode")
	if err != nil {
		return err
	}
	limit, err := flags.GetInt("limit")
	if err != nil {
		return err
	}
	newLogger(cmd, cfg)

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		return err
	}
	defer j.Close()

	events, err := j.Events(cmd.Context(), journal.Query{Mode: mode, Limit: limit})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	h := report.NewHistory(events, time.Now())

	out := cmd.OutOrStdout()
	var w report.Writer
	switch f := report.Format(format); f {
	case report.FormatText:
		w = report.NewSimpleWriter(out, report.WithVerbose(cfg.Verbose))
	case report.FormatJSON, report.FormatMarkdown:
		w = report.NewWriter(f, out)
	default:
		return fmt.Errorf("unknown format %q (use text, json or markdown)", format)
	}
	_, err = w.Write(h)
	return err
}

package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// TestNewRootCmd tests the root command creation.
func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "torpeer" {
			t.Errorf("expected use 'torpeer', got %q", cmd.Use)
		}
	})

	t.Run("has version", func(t *testing.T) {
		t.Parallel()
		if cmd.Version == "" {
			t.Error("expected non-empty version")
		}
	})

	t.Run("has persistent flags", func(t *testing.T) {
		t.Parallel()
		for _, name := range []string{"verbose", "trace", "log-json", "config", "data-dir"} {
			if cmd.PersistentFlags().Lookup(name) == nil {
				t.Errorf("expected persistent flag %q", name)
			}
		}
		if got := cmd.PersistentFlags().Lookup("verbose").Shorthand; got != "v" {
			t.Errorf("expected shorthand 'v', got %q", got)
		}
	})

	t.Run("has subcommands", func(t *testing.T) {
		t.Parallel()
		var names []string
		for _, sub := range cmd.Commands() {
			names = append(names, sub.Name())
		}
		want := []string{"check", "history", "init", "install-tor", "run", "version"}
		if diff := cmp.Diff(want, names, cmpopts.SortSlices(func(a, b string) bool { return a < b }),
			cmpopts.IgnoreSliceElements(func(s string) bool { return s == "help" || s == "completion" })); diff != "" {
			t.Errorf("subcommands mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	t.Run("flags override the file", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		cmd := NewRootCmd()
		if err := cmd.ParseFlags([]string{"--config", emptyConfig(t), "--data-dir", dir, "-v"}); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.DataDir != dir {
			t.Errorf("DataDir = %q, want %q", cfg.DataDir, dir)
		}
		if !cfg.Verbose {
			t.Error("expected verbose")
		}
	})

	t.Run("missing explicit config file", func(t *testing.T) {
		t.Parallel()

		_, err := execute(t, "history", "--config", "/nonexistent/torpeer.yaml")
		if err == nil {
			t.Fatal("expected an error")
		}
	})
}

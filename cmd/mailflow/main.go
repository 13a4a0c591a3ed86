package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/migadu/mailflow/config"
	"github.com/spf13/cobra"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// configLoader returns the configuration selected by the --config flag.
type configLoader func() (*config.Config, error)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "mailflow",
		Short:         "Filter, store and queue mail messages",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to TOML configuration file")

	load := func() (*config.Config, error) {
		return loadConfig(configPath)
	}

	root.AddCommand(
		newDeliverCmd(load),
		newUnqueueCmd(load),
		newServeCmd(load),
		newMigrateCmd(load),
		newAuditCmd(load),
		newConfigCmd(load),
	)
	return root
}

// loadConfig reads path over the defaults. A missing file is only an error
// when the path was not the default one.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) && path == "config.toml" {
			fmt.Fprintf(os.Stderr, "WARNING: %s not found, using defaults\n", path)
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	return &cfg, nil
}

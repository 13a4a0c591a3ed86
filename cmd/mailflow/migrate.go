package main

import (
	"fmt"

	"github.com/migadu/mailflow/db"
	"github.com/spf13/cobra"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	withMigrator := func(cmd *cobra.Command, fn func(*db.Migrator) error) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		closeLog, err := initLogging(cfg)
		if err != nil {
			return err
		}
		defer closeLog()

		m, err := db.NewMigrator(cmd.Context(), &cfg.Database)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(m)
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *db.Migrator) error {
				if err := m.Up(cmd.Context()); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return withMigrator(cmd, func(m *db.Migrator) error {
				if err := m.Down(cmd.Context(), steps); err != nil {
					return err
				}
				return printVersion(cmd, m)
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *db.Migrator) error {
				return printVersion(cmd, m)
			})
		},
	}

	cmd.AddCommand(up, down, versionCmd)
	return cmd
}

func printVersion(cmd *cobra.Command, m *db.Migrator) error {
	v, dirty, err := m.Version()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty)\n", v)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", v)
	return nil
}

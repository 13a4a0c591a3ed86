package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func newAuditCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Work with audit copies",
	}

	var output string
	export := &cobra.Command{
		Use:   "export <audit-id>",
		Short: "Write the messages of an audit as an mbox file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			auditID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || auditID <= 0 {
				return fmt.Errorf("invalid audit id %q", args[0])
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			closeLog, err := initLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}

			n, err := a.archive.Export(cmd.Context(), auditID, w)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d messages\n", n)
			return nil
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")

	cmd.AddCommand(export)
	return cmd
}

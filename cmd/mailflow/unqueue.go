package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newUnqueueCmd(load configLoader) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "unqueue [queue-id...]",
		Short: "Remove queued messages submitted by a user",
		Long: `Deletes the deliveries of the given queued messages that are not locked
by a sender. Without ids every message the user still has queued is removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user must be a positive user id")
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

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := args
			if len(ids) == 0 {
				ids, err = a.db.QueuedForUser(ctx, userID)
				if err != nil {
					return err
				}
			}

			var errs []error
			for _, id := range ids {
				if err := a.maildrop.RemoveFromQueue(ctx, id, userID); err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "Id of the user owning the queued messages")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func cleanupCmd() *cobra.Command {
	var (
		olderThan time.Duration
		raw       bool
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete idempotency records and raw emails past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeFn, err := openContainer(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			retention := olderThan
			if retention <= 0 {
				retention = c.Config().Idempotency.Retention
			}
			deleted, err := c.Idempotency().Cleanup(ctx, retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d idempotency records older than %s\n", deleted, retention)

			if !raw {
				return nil
			}
			rawRetention := olderThan
			if rawRetention <= 0 {
				rawRetention = c.Config().Storage.RawRetention
			}
			if rawRetention <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Raw email retention is disabled")
				return nil
			}
			removed, err := c.RawStore().Prune(ctx, time.Now().Add(-rawRetention))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d raw emails older than %s\n", removed, rawRetention)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention to enforce (0 uses the configured retention)")
	cmd.Flags().BoolVar(&raw, "raw", false, "also prune the raw email store")

	return cmd
}

package main

import (
	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print component health as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, closeFn, err := openContainer(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			return printJSON(cmd.OutOrStdout(), c.Health(ctx))
		},
	}
}

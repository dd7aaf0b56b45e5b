package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

func exportCmd() *cobra.Command {
	var orgID, from, to string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an organization's transactions to an Excel workbook",
		Example: `  receiptctl export --org acme
  receiptctl export --org acme --from 2024-01-01 --to 2024-03-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if orgID == "" {
				return fmt.Errorf("--org is required")
			}

			ctx := cmd.Context()
			c, closeFn, err := openContainer(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			var rng *entity.DateRange
			if from != "" || to != "" {
				rng = &entity.DateRange{From: from, To: to}
			}

			path, err := c.Exporter().Export(ctx, orgID, rng)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization to export")
	cmd.Flags().StringVar(&from, "from", "", "first transaction date, YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "last transaction date, YYYY-MM-DD")

	return cmd
}

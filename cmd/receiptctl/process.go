package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/garyjia/receipt-pipeline/internal/application/service"
	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/infrastructure/storage"
)

func processCmd() *cobra.Command {
	var (
		orgID   string
		alias   string
		userID  string
		keepRaw bool
		chunk   int
	)

	cmd := &cobra.Command{
		Use:   "process <file.eml> [file.eml...]",
		Short: "Run raw emails through the pipeline and print the outcomes as JSON",
		Long: `Run one or more RFC 5322 messages through the full pipeline.

A single file prints one outcome object; several files are processed in
chunks and print an array aligned with the arguments.

Examples:
  receiptctl process receipt.eml --org acme --alias receipts
  receiptctl process inbox/*.eml --org acme --chunk 5`,
		Args: cobra.MinimumNArgs(1),
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

			jobs := make([]service.Job, 0, len(args))
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				job := service.Job{
					OrgID:         orgID,
					Alias:         alias,
					Provider:      "cli",
					UserID:        userID,
					CorrelationID: uuid.NewString(),
					Raw:           raw,
				}
				if keepRaw {
					key := storage.Key(orgID, job.CorrelationID, time.Now())
					if err := c.RawStore().Save(ctx, key, raw); err != nil {
						return err
					}
					job.RawRef = key
				}
				jobs = append(jobs, job)
			}

			var failed bool
			if len(jobs) == 1 {
				outcome := c.Pipeline().Process(ctx, jobs[0])
				failed = outcome.Kind == entity.OutcomeTerminalError
				if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
					return err
				}
			} else {
				outcomes := c.Pipeline().ProcessBatch(ctx, jobs, chunk)
				for _, o := range outcomes {
					failed = failed || o.Kind == entity.OutcomeTerminalError
				}
				if err := printJSON(cmd.OutOrStdout(), outcomes); err != nil {
					return err
				}
			}

			if failed {
				return fmt.Errorf("one or more emails failed to process")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&orgID, "org", "", "organization the emails belong to")
	cmd.Flags().StringVar(&alias, "alias", "", "inbound alias the emails were sent to")
	cmd.Flags().StringVar(&userID, "user", "", "Lark user to notify")
	cmd.Flags().BoolVar(&keepRaw, "keep-raw", false, "store the raw messages in the raw email store")
	cmd.Flags().IntVar(&chunk, "chunk", 0, "emails processed concurrently (0 uses pipeline.batch_size)")

	return cmd
}

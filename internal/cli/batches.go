package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaybus/cmdbus/internal/domain"
)

// NewBatchesCmd groups the read-only batch-inspection subcommands.
func NewBatchesCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect command batches",
	}

	cmd.AddCommand(
		newBatchGetCmd(connectFn, outputFn),
		newBatchListCmd(connectFn, outputFn),
	)

	return cmd
}

func newBatchGetCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName string

	cmd := &cobra.Command{
		Use:   "get BATCH_ID",
		Short: "Show one batch's aggregate state",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			batchID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid batch id: %w", err)
			}

			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			batch, err := deps.Bus.GetBatch(ctx, domainName, batchID)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Print(batchHeaders(), [][]string{batchRow(batch)}, batch)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain the batch belongs to (required)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newBatchListCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName, status string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches in a domain, optionally filtered by status",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			batches, err := deps.Bus.ListBatches(ctx, domainName, domain.BatchStatus(status), limit, offset)
			if err != nil {
				return err
			}

			out := outputFn()
			rows := make([][]string, len(batches))
			for i := range batches {
				rows[i] = batchRow(&batches[i])
			}
			out.Print(batchHeaders(), rows, batches)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain to list (required)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, IN_PROGRESS, COMPLETED, COMPLETED_WITH_FAILURES)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func batchHeaders() []string {
	return []string{"BATCH_ID", "NAME", "STATUS", "COMPLETED", "FAILED", "CANCELED", "IN_TSQ", "TOTAL"}
}

func batchRow(b *domain.Batch) []string {
	return []string{
		b.BatchID.String(), b.Name, string(b.Status),
		fmt.Sprintf("%d", b.CompletedCount), fmt.Sprintf("%d", b.FailedCount),
		fmt.Sprintf("%d", b.CanceledCount), fmt.Sprintf("%d", b.InTroubleshootingCount),
		fmt.Sprintf("%d", b.TotalCount),
	}
}

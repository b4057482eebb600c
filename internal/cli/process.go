package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewProcessCmd groups the read-only saga-inspection subcommands.
func NewProcessCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Inspect reply-routed sagas (process managers)",
	}

	cmd.AddCommand(
		newProcessGetCmd(connectFn, outputFn),
		newProcessTrailCmd(connectFn, outputFn),
	)

	return cmd
}

func newProcessGetCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName string

	cmd := &cobra.Command{
		Use:   "get PROCESS_ID",
		Short: "Show one process's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			processID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid process id: %w", err)
			}

			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			proc, err := deps.Processes.Get(ctx, deps.Pool, domainName, processID)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Print(
				[]string{"PROCESS_ID", "PROCESS_TYPE", "STATUS", "CURRENT_STEP", "UPDATED"},
				[][]string{{
					proc.ProcessID.String(), proc.ProcessType, string(proc.Status),
					proc.CurrentStep, proc.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				}},
				proc,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain the process belongs to (required)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newProcessTrailCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName string

	cmd := &cobra.Command{
		Use:   "trail PROCESS_ID",
		Short: "Show a process's step-by-step send/reply trail, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			processID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid process id: %w", err)
			}

			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			trail, err := deps.Processes.GetStepTrail(ctx, deps.Pool, domainName, processID)
			if err != nil {
				return err
			}

			out := outputFn()
			headers := []string{"STEP", "COMMAND_ID", "COMMAND_TYPE", "SENT_AT", "REPLY_OUTCOME", "RECEIVED_AT"}
			rows := make([][]string, len(trail))
			for i, a := range trail {
				receivedAt := ""
				if a.ReceivedAt != nil {
					receivedAt = a.ReceivedAt.Format("2006-01-02T15:04:05Z07:00")
				}
				rows[i] = []string{
					a.StepName, a.CommandID.String(), a.CommandType,
					a.SentAt.Format("2006-01-02T15:04:05Z07:00"), string(a.ReplyOutcome), receivedAt,
				}
			}
			out.Print(headers, rows, trail)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain the process belongs to (required)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

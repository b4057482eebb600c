package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaybus/cmdbus/internal/tsq"
)

// NewTSQCmd groups the troubleshooting-queue subcommands.
func NewTSQCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tsq",
		Short: "Inspect and resolve troubleshooting-queue commands",
	}

	cmd.AddCommand(
		newTSQListCmd(connectFn, outputFn),
		newTSQRetryCmd(connectFn, outputFn),
		newTSQCancelCmd(connectFn, outputFn),
		newTSQCompleteCmd(connectFn, outputFn),
	)

	return cmd
}

func newTSQListCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domain, commandType string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands parked in the troubleshooting queue",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			entries, err := deps.TSQ.List(ctx, domain, tsq.ListFilter{CommandType: commandType, Limit: limit, Offset: offset})
			if err != nil {
				return err
			}

			out := outputFn()
			headers := []string{"COMMAND_ID", "COMMAND_TYPE", "ATTEMPTS", "LAST_ERROR", "UPDATED"}
			rows := make([][]string, len(entries))
			for i, e := range entries {
				lastErr := ""
				if e.Command.LastError != nil {
					lastErr = fmt.Sprintf("%s: %s", e.Command.LastError.Kind, e.Command.LastError.Message)
				}
				rows[i] = []string{
					e.Command.CommandID.String(), e.Command.CommandType,
					fmt.Sprintf("%d/%d", e.Command.Attempts, e.Command.MaxAttempts),
					lastErr, e.Command.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				}
			}
			out.Print(headers, rows, entries)
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Domain to list (required)")
	cmd.Flags().StringVar(&commandType, "command-type", "", "Filter by command_type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newTSQRetryCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domain, operator string

	cmd := &cobra.Command{
		Use:   "retry COMMAND_ID",
		Short: "Re-enqueue a troubleshooting-queue command from its archived payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			commandID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid command id: %w", err)
			}

			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			if err := deps.TSQ.OperatorRetry(ctx, domain, commandID, operator); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("retried %s", commandID))
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Domain the command belongs to (required)")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity recorded in the audit trail")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newTSQCancelCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domain, operator, reason string

	cmd := &cobra.Command{
		Use:   "cancel COMMAND_ID",
		Short: "Permanently abandon a troubleshooting-queue command",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			commandID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid command id: %w", err)
			}

			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			if err := deps.TSQ.OperatorCancel(ctx, domain, commandID, reason, operator); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("canceled %s", commandID))
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Domain the command belongs to (required)")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity recorded in the audit trail")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the audit trail and sent to the caller")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newTSQCompleteCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domain, operator, result string

	cmd := &cobra.Command{
		Use:   "complete COMMAND_ID",
		Short: "Mark a troubleshooting-queue command resolved out-of-band",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			commandID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid command id: %w", err)
			}

			var resultData json.RawMessage
			if result != "" {
				if !json.Valid([]byte(result)) {
					return fmt.Errorf("--result must be valid JSON")
				}
				resultData = json.RawMessage(result)
			}

			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			if err := deps.TSQ.OperatorComplete(ctx, domain, commandID, resultData, operator); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("completed %s", commandID))
			return nil
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "Domain the command belongs to (required)")
	cmd.Flags().StringVar(&operator, "operator", "", "Operator identity recorded in the audit trail")
	cmd.Flags().StringVar(&result, "result", "", "Result payload as a JSON object, relayed to the caller")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

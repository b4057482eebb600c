package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/repo"
)

// NewCommandsCmd groups the read-only command-inspection subcommands.
func NewCommandsCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commands",
		Short: "Inspect submitted commands",
	}

	cmd.AddCommand(
		newCommandGetCmd(connectFn, outputFn),
		newCommandQueryCmd(connectFn, outputFn),
		newCommandTrailCmd(connectFn, outputFn),
	)

	return cmd
}

func newCommandGetCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName string

	cmd := &cobra.Command{
		Use:   "get COMMAND_ID",
		Short: "Show one command's current metadata",
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

			cmdRow, err := deps.Bus.GetCommand(ctx, domainName, commandID)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Print(
				[]string{"COMMAND_ID", "COMMAND_TYPE", "STATUS", "ATTEMPTS", "UPDATED"},
				[][]string{{
					cmdRow.CommandID.String(), cmdRow.CommandType, string(cmdRow.Status),
					fmt.Sprintf("%d/%d", cmdRow.Attempts, cmdRow.MaxAttempts),
					cmdRow.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				}},
				cmdRow,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain the command belongs to (required)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newCommandQueryCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName, status, commandType string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List commands in a domain matching a status and/or command type",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connectFn(ctx)
			if err != nil {
				return err
			}
			defer deps.Close()

			commands, err := deps.Bus.QueryCommands(ctx, domainName, repo.QueryFilter{
				Status:      domain.CommandStatus(status),
				CommandType: commandType,
				Limit:       limit,
				Offset:      offset,
			})
			if err != nil {
				return err
			}

			out := outputFn()
			headers := []string{"COMMAND_ID", "COMMAND_TYPE", "STATUS", "ATTEMPTS", "UPDATED"}
			rows := make([][]string, len(commands))
			for i, cmdRow := range commands {
				rows[i] = []string{
					cmdRow.CommandID.String(), cmdRow.CommandType, string(cmdRow.Status),
					fmt.Sprintf("%d/%d", cmdRow.Attempts, cmdRow.MaxAttempts),
					cmdRow.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				}
			}
			out.Print(headers, rows, commands)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain to query (required)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, IN_PROGRESS, COMPLETED, FAILED, IN_TROUBLESHOOTING_QUEUE, CANCELED)")
	cmd.Flags().StringVar(&commandType, "command-type", "", "Filter by command_type")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of results")
	cmd.Flags().IntVar(&offset, "offset", 0, "Result offset")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

func newCommandTrailCmd(connectFn func(ctx context.Context) (*Deps, error), outputFn func() *Output) *cobra.Command {
	var domainName string

	cmd := &cobra.Command{
		Use:   "trail COMMAND_ID",
		Short: "Show a command's full audit trail, oldest first",
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

			trail, err := deps.Bus.GetAuditTrail(ctx, domainName, commandID)
			if err != nil {
				return err
			}

			out := outputFn()
			headers := []string{"AUDIT_ID", "EVENT_TYPE", "TIMESTAMP", "DETAILS"}
			rows := make([][]string, len(trail))
			for i, ev := range trail {
				rows[i] = []string{
					fmt.Sprintf("%d", ev.AuditID), string(ev.EventType),
					ev.Timestamp.Format("2006-01-02T15:04:05Z07:00"), string(ev.Details),
				}
			}
			out.Print(headers, rows, trail)
			return nil
		},
	}

	cmd.Flags().StringVar(&domainName, "domain", "", "Domain the command belongs to (required)")
	_ = cmd.MarkFlagRequired("domain")

	return cmd
}

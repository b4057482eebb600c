package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaybus/cmdbus/internal/migrate"
)

// NewMigrateCmd groups the schema-migration subcommands.
func NewMigrateCmd(dsnFn func() string, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect schema migrations",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply every pending migration",
			RunE: func(c *cobra.Command, args []string) error {
				if err := migrate.Up(dsnFn()); err != nil {
					return err
				}
				outputFn().Success("migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recently applied migration",
			RunE: func(c *cobra.Command, args []string) error {
				if err := migrate.Down(dsnFn()); err != nil {
					return err
				}
				outputFn().Success("last migration rolled back")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show applied and pending migrations",
			RunE: func(c *cobra.Command, args []string) error {
				statuses, err := migrate.Status(dsnFn())
				if err != nil {
					return err
				}

				out := outputFn()
				headers := []string{"VERSION", "PATH", "STATE", "APPLIED_AT"}
				rows := make([][]string, len(statuses))
				for i, s := range statuses {
					appliedAt := ""
					if !s.AppliedAt.IsZero() {
						appliedAt = s.AppliedAt.Format("2006-01-02T15:04:05Z07:00")
					}
					rows[i] = []string{
						fmt.Sprintf("%d", s.Source.Version), s.Source.Path, string(s.State), appliedAt,
					}
				}
				out.Print(headers, rows, statuses)
				return nil
			},
		},
	)

	return cmd
}

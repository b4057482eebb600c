// Command cmdbus-cli is the operator CLI: list and resolve
// troubleshooting-queue commands, inspect command, batch, and process state,
// and run schema migrations, all directly against the database.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaybus/cmdbus/internal/cli"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	var dsn string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "cmdbus-cli",
		Short:         "cmdbus-cli — operator tool for the command bus",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("DATABASE_URL"), "Postgres connection string (defaults to $DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	connectFn := func(ctx context.Context) (*cli.Deps, error) {
		if dsn == "" {
			return nil, fmt.Errorf("--dsn or DATABASE_URL is required")
		}
		return cli.Connect(ctx, dsn)
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }
	dsnFn := func() string { return dsn }

	rootCmd.AddCommand(
		cli.NewTSQCmd(connectFn, outputFn),
		cli.NewCommandsCmd(connectFn, outputFn),
		cli.NewBatchesCmd(connectFn, outputFn),
		cli.NewProcessCmd(connectFn, outputFn),
		cli.NewMigrateCmd(dsnFn, outputFn),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

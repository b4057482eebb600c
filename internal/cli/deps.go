package cli

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaybus/cmdbus/internal/bus"
	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/repo"
	"github.com/relaybus/cmdbus/internal/tsq"
)

// Deps opens one short-lived pool per CLI invocation and builds the entry
// points an operator subcommand needs. Callers must call Close.
type Deps struct {
	Pool      *pgxpool.Pool
	Bus       *bus.CommandBus
	TSQ       *tsq.TSQ
	Processes *repo.ProcessRepo
}

// Connect opens a small pool against dsn, suitable for the single request a
// CLI invocation issues.
func Connect(ctx context.Context, dsn string) (*Deps, error) {
	pool, err := pgqueue.NewPool(ctx, dsn, 5)
	if err != nil {
		return nil, err
	}
	return &Deps{
		Pool:      pool,
		Bus:       bus.New(pool, 5, slog.Default()),
		TSQ:       tsq.New(pool, slog.Default()),
		Processes: repo.NewProcessRepo(),
	}, nil
}

// Close releases the pool.
func (d *Deps) Close() {
	d.Pool.Close()
}

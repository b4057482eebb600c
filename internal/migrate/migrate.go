// Package migrate embeds the schema and stored-procedure migrations and
// applies them with goose against a pgx connection string.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func provider(dsn string) (*goose.Provider, *sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migration connection: %w", err)
	}

	p, err := goose.NewProvider(goose.DialectPostgres, db, migrationsFS)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("new goose provider: %w", err)
	}
	return p, db, nil
}

// Up applies every pending migration.
func Up(dsn string) error {
	p, db, err := provider(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := p.Up(context.Background()); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func Down(dsn string) error {
	p, db, err := provider(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := p.Down(context.Background()); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Status reports the applied/pending state of each migration, used by the
// operator CLI's "migrate status" subcommand.
func Status(dsn string) ([]*goose.MigrationStatus, error) {
	p, db, err := provider(dsn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	status, err := p.Status(context.Background())
	if err != nil {
		return nil, fmt.Errorf("migrate status: %w", err)
	}
	return status, nil
}

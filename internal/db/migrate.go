package db

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/udisondev/ttdnet/internal/db/migrations"
)

// Dialect selects the schema variant.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// RunMigrations runs goose migrations on the PostgreSQL database at dsn.
func RunMigrations(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()
	return Migrate(ctx, sqlDB, DialectPostgres)
}

// Migrate applies the embedded migrations of dialect to sqlDB.
func Migrate(ctx context.Context, sqlDB *sql.DB, dialect Dialect) error {
	var gd goose.Dialect
	switch dialect {
	case DialectPostgres:
		gd = goose.DialectPostgres
	case DialectSQLite:
		gd = goose.DialectSQLite3
	default:
		return fmt.Errorf("unknown dialect %q", dialect)
	}

	fsys, err := fs.Sub(migrations.FS, string(dialect))
	if err != nil {
		return fmt.Errorf("opening %s migrations: %w", dialect, err)
	}
	provider, err := goose.NewProvider(gd, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	for _, r := range results {
		slog.Info("migration applied", "dialect", dialect, "version", r.Source.Version, "duration", r.Duration)
	}
	return nil
}

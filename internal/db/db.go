// Package db stores the content catalogue in PostgreSQL or SQLite.
package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/ttdnet/internal/config"
	"github.com/udisondev/ttdnet/internal/content"
)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a DB handle.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DB{pool: pool}, nil
}

// Close closes the database connection pool.
func (d *DB) Close() {
	d.pool.Close()
}

// Pool returns the underlying pgx pool.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Open connects to the catalogue described by cfg, brings its schema up to
// date and returns it with the function releasing it.
func Open(ctx context.Context, cfg config.DatabaseConfig) (content.Store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		dsn := cfg.DSN()
		if err := RunMigrations(ctx, dsn); err != nil {
			return nil, nil, err
		}
		d, err := New(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("content catalogue opened", "driver", cfg.Driver, "host", cfg.Host, "dbname", cfg.DBName)
		return NewContentRepository(d.Pool()), d.Close, nil

	case "sqlite", "":
		sqlDB, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		if err := Migrate(ctx, sqlDB, DialectSQLite); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		slog.Info("content catalogue opened", "driver", "sqlite", "path", cfg.Path)
		return NewSQLiteContentRepository(sqlDB), func() { sqlDB.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

package testutil

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// StartPostgres starts a disposable PostgreSQL 16 container and returns its
// DSN with the function terminating it. An error means no container runtime
// is usable; callers skip their PostgreSQL tests then.
func StartPostgres(ctx context.Context) (dsn string, terminate func(), err error) {
	// testcontainers panics when it finds no Docker host at all.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting postgres container: %v", r)
		}
	}()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("starting postgres container: %w", err)
	}
	terminate = func() { _ = testcontainers.TerminateContainer(container) }

	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return "", nil, fmt.Errorf("getting connection string: %w", err)
	}
	return dsn, terminate, nil
}

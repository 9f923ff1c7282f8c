// Package internal contains test harness helpers for the postgres
// integration, based on testcontainers.
package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresContainer returns an handle on a Postgres container
// started through testcontainers.
type PostgresContainer struct {
	*postgres.PostgresContainer

	ConnectionDSN string
}

// NewPostgresContainer creates and starts a new Postgres container
// using testcontainers, then returns a handle to said container
// to manage its lifecycle.
func NewPostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	withContext := func(msg string, err error) error {
		return fmt.Errorf("internal.NewPostgresContainer: %s, %w", msg, err)
	}

	container, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("chronicle"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("notasecret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second),
		),
	)
	if err != nil {
		return nil, withContext("failed to run new container", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, withContext("failed to get connection dsn", err)
	}

	return &PostgresContainer{
		PostgresContainer: container,
		ConnectionDSN:     dsn,
	}, nil
}

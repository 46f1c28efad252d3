// Package testutil provides shared testing utilities for the modelrelay project.
//
// This package contains reusable test infrastructure that can be used across
// multiple packages, following the pattern of Go standard library packages
// like net/http/httptest.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/modelrelay/modelrelay/db"
)

// TestDBContainer wraps a PostgreSQL test container with a connection pool.
type TestDBContainer struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	ConnStr   string
}

// SetupTestDB creates an isolated PostgreSQL container for testing with the
// gateway schema applied via the embedded migrations.
//
// Usage:
//
//	dbc, cleanup := testutil.SetupTestDB(t)
//	defer cleanup()
//	// Use dbc.Pool for database operations
func SetupTestDB(t *testing.T) (*TestDBContainer, func()) {
	t.Helper()

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("modelrelay_test"),
		postgres.WithUsername("modelrelay_test"),
		postgres.WithPassword("test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to get connection string: %v", err)
	}

	if err := db.Migrate(connStr); err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to create connection pool: %v", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("Failed to ping database: %v", err)
	}

	container := &TestDBContainer{
		Container: pgContainer,
		Pool:      pool,
		ConnStr:   connStr,
	}

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(context.Background())
	}

	return container, cleanup
}

// InsertAPIKey inserts an api_keys row and returns its ID. Sessions reference
// api_keys by foreign key, so most integration tests need one.
func InsertAPIKey(t *testing.T, pool *pgxpool.Pool, prefix string) uuid.UUID {
	t.Helper()

	id := uuid.New()
	_, err := pool.Exec(context.Background(),
		"INSERT INTO api_keys (id, prefix, key_hash) VALUES ($1, $2, $3)",
		id, prefix, "test-hash")
	if err != nil {
		t.Fatalf("Failed to insert API key: %v", err)
	}
	return id
}

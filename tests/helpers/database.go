package helpers

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// GetTestDatabasePool creates a database connection pool for testing
func GetTestDatabasePool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// DatabaseURL returns DATABASE_URL, or a URL built from POSTGRES_* variables
// when POSTGRES_HOST is set. It is empty when no database is configured.
func DatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	port := envOr("POSTGRES_PORT", "5432")
	user := envOr("POSTGRES_USER", "postgres")
	password := envOr("POSTGRES_PASSWORD", "postgres")
	dbname := envOr("POSTGRES_DB", "app_orchestrator")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=prefer",
		user, password, host, port, dbname)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TestDatabase provides database utilities for testing
type TestDatabase struct {
	Pool *pgxpool.Pool
	ctx  context.Context
}

// NewTestDatabase connects to the configured database, skipping the test when none is configured
func NewTestDatabase(t *testing.T) *TestDatabase {
	t.Helper()

	databaseURL := DatabaseURL()
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set, skipping database test")
	}

	ctx := context.Background()
	pool, err := GetTestDatabasePool(ctx, databaseURL)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	db := &TestDatabase{Pool: pool, ctx: ctx}
	t.Cleanup(db.Close)
	return db
}

// Close closes the database connection
func (db *TestDatabase) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// CleanupSnapshots removes the snapshot rows written for the given conversations
func (db *TestDatabase) CleanupSnapshots(t *testing.T, conversationIDs ...string) {
	t.Helper()
	for _, id := range conversationIDs {
		if _, err := db.Pool.Exec(db.ctx, "DELETE FROM conversation_snapshots WHERE conversation_id = $1", id); err != nil {
			t.Logf("Warning: Failed to clean up snapshot %s: %v", id, err)
		}
	}
}

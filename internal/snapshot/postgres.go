package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createSnapshotTable = `
CREATE TABLE IF NOT EXISTS conversation_snapshots (
	conversation_id TEXT PRIMARY KEY,
	version         BIGINT NOT NULL,
	snapshot        JSONB NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresStore persists snapshots in a single JSONB row per conversation,
// replaced only by strictly newer versions.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store on an existing pool
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the snapshot table if it does not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, createSnapshotTable); err != nil {
		return fmt.Errorf("failed to create conversation_snapshots table: %w", err)
	}
	return nil
}

// PutSnapshot upserts the snapshot with an optimistic version check
func (s *PostgresStore) PutSnapshot(ctx context.Context, conversationID string, version int64, blob []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_snapshots (conversation_id, version, snapshot, updated_at)
		 VALUES ($1, $2, $3::jsonb, NOW())
		 ON CONFLICT (conversation_id) DO UPDATE
		 SET version = EXCLUDED.version, snapshot = EXCLUDED.snapshot, updated_at = NOW()
		 WHERE conversation_snapshots.version < EXCLUDED.version`,
		conversationID, version, string(blob),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to upsert snapshot: %v", ErrPersistenceFailure, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleVersion
	}
	return nil
}

// GetLatestSnapshot returns the stored snapshot or ErrNotFound
func (s *PostgresStore) GetLatestSnapshot(ctx context.Context, conversationID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM conversation_snapshots WHERE conversation_id = $1`,
		conversationID,
	).Scan(&blob)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return blob, nil
}

// Version returns the stored version for a conversation
func (s *PostgresStore) Version(ctx context.Context, conversationID string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM conversation_snapshots WHERE conversation_id = $1`,
		conversationID,
	).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get snapshot version: %w", err)
	}
	return version, nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/ladderguard/internal/database"
	"github.com/jackc/pgx/v5"
)

// PostgresStore keeps entries in the kv_store table. CompareAndSwap is a
// single conditional statement, so the row lock taken by the UPDATE (or the
// conflict arbiter of the INSERT) serialises concurrent writers.
type PostgresStore struct {
	db  *database.DB
	now func() time.Time
}

// NewPostgresStore creates a store on top of a migrated database
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

func nullableExpiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT data, created_at, expires_at FROM kv_store WHERE key = $1`

	var entry Entry
	var expiresAt *time.Time
	err := s.db.Pool.QueryRow(ctx, query, key).Scan(&entry.Data, &entry.Created, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select: %v", ErrUnavailable, err)
	}
	if expiresAt != nil {
		entry.Expires = *expiresAt
	}

	now := s.now()
	if entry.Expired(now) {
		// Conditional so a concurrent refresh of the key is not lost
		_, _ = s.db.Pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1 AND expires_at <= $2`, key, now)
		return nil, ErrNotFound
	}
	return &entry, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	query := `
		INSERT INTO kv_store (key, data, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET data = EXCLUDED.data, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`

	now := s.now()
	if _, err := s.db.Pool.Exec(ctx, query, key, data, now, nullableExpiry(now, ttl)); err != nil {
		return fmt.Errorf("%w: upsert: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.Pool.Exec(ctx, `DELETE FROM kv_store WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%w: delete: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error) {
	now := s.now()
	expiresAt := nullableExpiry(now, ttl)

	if old == nil {
		// Insert, or take over a row that has logically expired
		query := `
			INSERT INTO kv_store (key, data, created_at, expires_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE
			SET data = EXCLUDED.data, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
			WHERE kv_store.expires_at IS NOT NULL AND kv_store.expires_at <= $3
		`
		tag, err := s.db.Pool.Exec(ctx, query, key, next, now, expiresAt)
		if err != nil {
			return false, fmt.Errorf("%w: cas insert: %v", ErrUnavailable, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	query := `
		UPDATE kv_store
		SET data = $3, expires_at = $4
		WHERE key = $1 AND data = $2 AND (expires_at IS NULL OR expires_at > $5)
	`
	tag, err := s.db.Pool.Exec(ctx, query, key, old, next, expiresAt, now)
	if err != nil {
		return false, fmt.Errorf("%w: cas update: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= $1`, s.now())
	if err != nil {
		return 0, fmt.Errorf("%w: sweep: %v", ErrUnavailable, err)
	}
	return tag.RowsAffected(), nil
}

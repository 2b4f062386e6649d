package respcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"encore.dev/storage/sqldb"
)

// BlobStore abstracts the shared keyed blob store holding serialized
// response envelopes. All instances see the same contents; concurrent
// mutation is serialized by the backend.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	// Get returns (nil, false, nil) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// sqlBlobStore stores envelopes in the shared responses table, namespaced by
// the configured cache name.
type sqlBlobStore struct {
	db        *sqldb.Database
	cacheName string
}

func newSQLBlobStore(db *sqldb.Database, cacheName string) (*sqlBlobStore, error) {
	store := &sqlBlobStore{db: db, cacheName: cacheName}
	if err := store.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize responses schema: %w", err)
	}
	return store, nil
}

func (bs *sqlBlobStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS responses (
			cache_name TEXT NOT NULL,
			key TEXT NOT NULL,
			envelope JSONB NOT NULL,
			stored_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (cache_name, key)
		);
	`
	_, err := bs.db.Exec(ctx, query)
	return err
}

func (bs *sqlBlobStore) Put(ctx context.Context, key string, data []byte) error {
	query := `
		INSERT INTO responses (cache_name, key, envelope, stored_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cache_name, key) DO UPDATE
		SET envelope = EXCLUDED.envelope, stored_at = EXCLUDED.stored_at
	`
	if _, err := bs.db.Exec(ctx, query, bs.cacheName, key, data); err != nil {
		return fmt.Errorf("failed to put response: %w", err)
	}
	return nil
}

func (bs *sqlBlobStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := bs.db.QueryRow(ctx,
		`SELECT envelope FROM responses WHERE cache_name = $1 AND key = $2`,
		bs.cacheName, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get response: %w", err)
	}
	return data, true, nil
}

func (bs *sqlBlobStore) Delete(ctx context.Context, key string) error {
	if _, err := bs.db.Exec(ctx,
		`DELETE FROM responses WHERE cache_name = $1 AND key = $2`,
		bs.cacheName, key,
	); err != nil {
		return fmt.Errorf("failed to delete response: %w", err)
	}
	return nil
}

func (bs *sqlBlobStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := bs.db.Query(ctx,
		`SELECT key FROM responses WHERE cache_name = $1`, bs.cacheName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list response keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan response key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating response keys: %w", err)
	}
	return keys, nil
}

func (bs *sqlBlobStore) Clear(ctx context.Context) error {
	if _, err := bs.db.Exec(ctx,
		`DELETE FROM responses WHERE cache_name = $1`, bs.cacheName,
	); err != nil {
		return fmt.Errorf("failed to clear responses: %w", err)
	}
	return nil
}

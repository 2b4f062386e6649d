package policystore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"

	"encore.app/pkg/models"
	"encore.app/pkg/utils"
)

// recordKey is the single row under which the active policy is persisted.
const recordKey = "latest"

// PersistedRecord is the durable shape of a delivered policy.
type PersistedRecord struct {
	Policy  *models.CachePolicy `json:"policy"`
	SavedAt time.Time           `json:"savedAt"`
}

// RecordStore abstracts the single-row policy persistence backend.
// The backend must offer atomic put-or-replace on the record key.
type RecordStore interface {
	Save(ctx context.Context, rec *PersistedRecord) error
	// Load returns (nil, nil) when no record exists.
	Load(ctx context.Context) (*PersistedRecord, error)
	Clear(ctx context.Context) error
}

// sqlRecordStore persists the policy record in the config table.
type sqlRecordStore struct {
	db *sqldb.Database
}

func newSQLRecordStore(db *sqldb.Database) (*sqlRecordStore, error) {
	store := &sqlRecordStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize config schema: %w", err)
	}
	return store, nil
}

func (rs *sqlRecordStore) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			policy JSONB NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL
		);
	`
	_, err := rs.db.Exec(ctx, query)
	return err
}

func (rs *sqlRecordStore) Save(ctx context.Context, rec *PersistedRecord) error {
	policyJSON, err := utils.MarshalPolicy(rec.Policy)
	if err != nil {
		return fmt.Errorf("failed to marshal policy record: %w", err)
	}

	query := `
		INSERT INTO config (key, policy, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET policy = EXCLUDED.policy, saved_at = EXCLUDED.saved_at
	`
	if _, err := rs.db.Exec(ctx, query, recordKey, policyJSON, rec.SavedAt); err != nil {
		return fmt.Errorf("failed to save policy record: %w", err)
	}
	return nil
}

func (rs *sqlRecordStore) Load(ctx context.Context) (*PersistedRecord, error) {
	query := `SELECT policy, saved_at FROM config WHERE key = $1`

	var policyJSON []byte
	var savedAt time.Time
	err := rs.db.QueryRow(ctx, query, recordKey).Scan(&policyJSON, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy record: %w", err)
	}

	policy, err := utils.UnmarshalPolicy(policyJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode policy record: %w", err)
	}
	return &PersistedRecord{Policy: policy, SavedAt: savedAt}, nil
}

func (rs *sqlRecordStore) Clear(ctx context.Context) error {
	if _, err := rs.db.Exec(ctx, `DELETE FROM config WHERE key = $1`, recordKey); err != nil {
		return fmt.Errorf("failed to clear policy record: %w", err)
	}
	return nil
}

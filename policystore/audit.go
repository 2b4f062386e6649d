package policystore

import (
	"context"
	"fmt"
	"time"

	"encore.dev/storage/sqldb"
)

// Audit actions recorded for policy transitions.
const (
	AuditActionSet    = "set"
	AuditActionReset  = "reset"
	AuditActionExpire = "expire"
)

// AuditLog records one policy transition for the audit trail.
type AuditLog struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`        // set, reset, expire
	Hosts       int       `json:"hosts"`         // host nodes in the delivered tree
	ConfigTTLMs int64     `json:"config_ttl_ms"` // envelope TTL, 0 when unset
	Source      string    `json:"source"`        // stream, poll, persistence, admin, timer
	Timestamp   time.Time `json:"timestamp"`
}

// AuditLoggerInterface defines the audit logging operations.
type AuditLoggerInterface interface {
	Insert(ctx context.Context, log AuditLog) error
	GetRecent(ctx context.Context, limit, offset int) ([]AuditLog, error)
	GetCount(ctx context.Context) (int, error)
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// AuditLogger provides persistent storage of policy transitions.
//
// Design decisions:
// - Append-only log (no updates); rows are removed only by Cleanup, which
//   deletes entries older than a given age
// - Indexed by timestamp for efficient recent-first queries
type AuditLogger struct {
	db *sqldb.Database
}

// NewAuditLogger creates a new audit logger with database connection.
func NewAuditLogger(db *sqldb.Database) (*AuditLogger, error) {
	logger := &AuditLogger{db: db}
	if err := logger.ensureSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return logger, nil
}

func (al *AuditLogger) ensureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS policy_audit (
			id BIGSERIAL PRIMARY KEY,
			action TEXT NOT NULL,
			hosts INT NOT NULL DEFAULT 0,
			config_ttl_ms BIGINT NOT NULL DEFAULT 0,
			source TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_policy_audit_timestamp
		ON policy_audit(timestamp DESC);
	`
	_, err := al.db.Exec(ctx, query)
	return err
}

// Insert adds a new audit log entry.
func (al *AuditLogger) Insert(ctx context.Context, log AuditLog) error {
	query := `
		INSERT INTO policy_audit (action, hosts, config_ttl_ms, source, timestamp)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := al.db.Exec(ctx, query, log.Action, log.Hosts, log.ConfigTTLMs, log.Source, log.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// GetRecent retrieves recent audit logs with pagination.
func (al *AuditLogger) GetRecent(ctx context.Context, limit, offset int) ([]AuditLog, error) {
	query := `
		SELECT id, action, hosts, config_ttl_ms, source, timestamp
		FROM policy_audit
		ORDER BY timestamp DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := al.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	defer rows.Close()

	logs := make([]AuditLog, 0, limit)
	for rows.Next() {
		var log AuditLog
		if err := rows.Scan(&log.ID, &log.Action, &log.Hosts, &log.ConfigTTLMs, &log.Source, &log.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit logs: %w", err)
	}
	return logs, nil
}

// GetCount returns the total number of audit logs.
func (al *AuditLogger) GetCount(ctx context.Context) (int, error) {
	var count int
	if err := al.db.QueryRow(ctx, `SELECT COUNT(*) FROM policy_audit`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return count, nil
}

// Cleanup removes audit logs older than the specified duration.
// This should be run periodically to prevent unbounded growth.
func (al *AuditLogger) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := al.db.Exec(ctx, `DELETE FROM policy_audit WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", err)
	}
	return result.RowsAffected(), nil
}

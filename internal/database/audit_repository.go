package database

import (
	"context"
	"fmt"
	"time"
)

const auditColumns = `id, event, package_name, version, actor, metadata, created_at`

// AuditRepository provides database access for the registry event log
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log creates a new audit log entry
func (r *AuditRepository) Log(ctx context.Context, entry *AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	err := r.db.conn.QueryRowxContext(ctx, r.db.conn.Rebind(`
		INSERT INTO audit_log (event, package_name, version, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		entry.Event,
		entry.PackageName,
		entry.Version,
		entry.Actor,
		entry.Metadata,
		ts(entry.CreatedAt),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to log event: %w", err)
	}
	return nil
}

// List retrieves entries, newest first
func (r *AuditRepository) List(ctx context.Context, limit, offset int) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	err := r.db.conn.SelectContext(ctx, &entries, r.db.conn.Rebind(`
		SELECT `+auditColumns+`
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	return entries, nil
}

// ListByPackage retrieves entries for one package, newest first
func (r *AuditRepository) ListByPackage(ctx context.Context, name string, limit, offset int) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	err := r.db.conn.SelectContext(ctx, &entries, r.db.conn.Rebind(`
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE package_name = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`), name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	return entries, nil
}

// DeleteOlderThan deletes entries created before the given time
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res, err := exec(ctx, r.db.conn, `DELETE FROM audit_log WHERE created_at < ?`, ts(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit entries: %w", err)
	}
	return affected(res)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const storageConfigColumns = `slot, type, path, endpoint, bucket, region, access_key, secret_key_sealed,
	force_path_style, updated_at`

// StorageConfigRepository persists the active and staged blob backend settings
type StorageConfigRepository struct {
	db *DB
}

// NewStorageConfigRepository creates a new storage config repository
func NewStorageConfigRepository(db *DB) *StorageConfigRepository {
	return &StorageConfigRepository{db: db}
}

// Get returns the settings in slot. Returns nil, nil when the slot is empty.
func (r *StorageConfigRepository) Get(ctx context.Context, slot string) (*StorageSettings, error) {
	var s StorageSettings
	err := r.db.conn.GetContext(ctx, &s, r.db.conn.Rebind(`SELECT `+storageConfigColumns+` FROM storage_config WHERE slot = ?`), slot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get storage config: %w", err)
	}
	return &s, nil
}

// Put writes s into its slot, replacing what was there
func (r *StorageConfigRepository) Put(ctx context.Context, s *StorageSettings) error {
	if s.Slot != SlotActive && s.Slot != SlotPending {
		return fmt.Errorf("invalid storage config slot: %q", s.Slot)
	}
	s.UpdatedAt = time.Now().UTC()

	_, err := exec(ctx, r.db.conn, `
		INSERT INTO storage_config (slot, type, path, endpoint, bucket, region, access_key, secret_key_sealed, force_path_style, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (slot) DO UPDATE SET
			type = excluded.type,
			path = excluded.path,
			endpoint = excluded.endpoint,
			bucket = excluded.bucket,
			region = excluded.region,
			access_key = excluded.access_key,
			secret_key_sealed = excluded.secret_key_sealed,
			force_path_style = excluded.force_path_style,
			updated_at = excluded.updated_at`,
		s.Slot, s.Type, s.Path, s.Endpoint, s.Bucket, s.Region, s.AccessKey, s.SecretKeySealed,
		s.ForcePathStyle, ts(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save storage config: %w", err)
	}
	return nil
}

// Activate promotes the pending settings to active and clears the pending
// slot. Returns false when nothing is pending.
func (r *StorageConfigRepository) Activate(ctx context.Context) (bool, error) {
	var promoted bool
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		var pending StorageSettings
		err := tx.GetContext(ctx, &pending, tx.Rebind(`SELECT `+storageConfigColumns+` FROM storage_config WHERE slot = ?`), SlotPending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get pending storage config: %w", err)
		}

		if _, err := exec(ctx, tx, `DELETE FROM storage_config WHERE slot = ?`, SlotActive); err != nil {
			return fmt.Errorf("failed to clear active storage config: %w", err)
		}
		if _, err := exec(ctx, tx, `UPDATE storage_config SET slot = ?, updated_at = ? WHERE slot = ?`,
			SlotActive, ts(time.Now()), SlotPending); err != nil {
			return fmt.Errorf("failed to activate storage config: %w", err)
		}
		promoted = true
		return nil
	})
	return promoted, err
}

// Discard clears the pending slot
func (r *StorageConfigRepository) Discard(ctx context.Context) error {
	if _, err := exec(ctx, r.db.conn, `DELETE FROM storage_config WHERE slot = ?`, SlotPending); err != nil {
		return fmt.Errorf("failed to discard storage config: %w", err)
	}
	return nil
}

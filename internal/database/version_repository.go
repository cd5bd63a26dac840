package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const versionColumns = `id, package_name, version, pubspec, archive_key, archive_sha256, archive_size,
	published_by, published_at, is_retracted, retracted_at, retraction_message`

// VersionRepository handles package version database operations
type VersionRepository struct {
	db *DB
}

// NewVersionRepository creates a new version repository
func NewVersionRepository(db *DB) *VersionRepository {
	return &VersionRepository{db: db}
}

// Get retrieves one version. Returns nil, nil when it does not exist.
func (r *VersionRepository) Get(ctx context.Context, name, version string) (*PackageVersion, error) {
	var v PackageVersion
	err := r.db.conn.GetContext(ctx, &v, r.db.conn.Rebind(`
		SELECT `+versionColumns+`
		FROM package_versions
		WHERE package_name = ? AND version = ?`), name, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &v, nil
}

// Exists reports whether (name, version) has been published
func (r *VersionRepository) Exists(ctx context.Context, name, version string) (bool, error) {
	var n int
	err := r.db.conn.GetContext(ctx, &n, r.db.conn.Rebind(`
		SELECT COUNT(*) FROM package_versions WHERE package_name = ? AND version = ?`), name, version)
	if err != nil {
		return false, fmt.Errorf("failed to check version: %w", err)
	}
	return n > 0, nil
}

// ListByPackage returns every version of a package in semver order
func (r *VersionRepository) ListByPackage(ctx context.Context, name string) ([]*PackageVersion, error) {
	var versions []*PackageVersion
	err := r.db.conn.SelectContext(ctx, &versions, r.db.conn.Rebind(`
		SELECT `+versionColumns+`
		FROM package_versions
		WHERE package_name = ?`), name)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	SortVersions(versions)
	return versions, nil
}

func insertVersion(ctx context.Context, q sqlx.ExtContext, v *PackageVersion) error {
	if v.PublishedAt.IsZero() {
		v.PublishedAt = time.Now().UTC()
	}
	err := q.QueryRowxContext(ctx, q.Rebind(`
		INSERT INTO package_versions (
			package_name, version, pubspec, archive_key, archive_sha256, archive_size,
			published_by, published_at, is_retracted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		v.PackageName, v.Version, v.Pubspec, v.ArchiveKey, v.ArchiveSHA256, v.ArchiveSize,
		v.PublishedBy, ts(v.PublishedAt), false,
	).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

// SetRetracted marks or unmarks a version as retracted. Returns false when
// the version does not exist.
func (r *VersionRepository) SetRetracted(ctx context.Context, name, version string, retracted bool, message string) (bool, error) {
	var (
		at  interface{}
		msg interface{}
	)
	if retracted {
		at = ts(time.Now())
		if message != "" {
			msg = message
		}
	}

	res, err := exec(ctx, r.db.conn, `
		UPDATE package_versions SET is_retracted = ?, retracted_at = ?, retraction_message = ?
		WHERE package_name = ? AND version = ?`,
		retracted, at, msg, name, version,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update version: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes one version and returns its archive key. Returns "", false
// when the version does not exist.
func (r *VersionRepository) Delete(ctx context.Context, name, version string) (string, bool, error) {
	var key string
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &key, tx.Rebind(`
			SELECT archive_key FROM package_versions WHERE package_name = ? AND version = ?`), name, version)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get version: %w", err)
		}
		if _, err := exec(ctx, tx, `DELETE FROM package_versions WHERE package_name = ? AND version = ?`, name, version); err != nil {
			return fmt.Errorf("failed to delete version: %w", err)
		}
		_, err = exec(ctx, tx, `UPDATE packages SET updated_at = ? WHERE name = ?`, ts(time.Now()), name)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return key, key != "", nil
}

// Inventory lists every archive the catalog references. This, not a backend
// listing, is the authoritative set of blobs.
func (r *VersionRepository) Inventory(ctx context.Context) ([]InventoryItem, error) {
	var items []InventoryItem
	err := r.db.conn.SelectContext(ctx, &items, `
		SELECT package_name, version, archive_key, archive_sha256, archive_size
		FROM package_versions
		ORDER BY archive_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list archive inventory: %w", err)
	}
	return items, nil
}

// DeleteCachedVersions removes every version of packages flagged as upstream
// cache entries, along with those packages, and returns the archive keys.
func (r *VersionRepository) DeleteCachedVersions(ctx context.Context) ([]string, error) {
	var keys []string
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &keys, tx.Rebind(`
			SELECT v.archive_key
			FROM package_versions v
			JOIN packages p ON p.name = v.package_name
			WHERE p.is_upstream_cache = ?`), true)
		if err != nil {
			return fmt.Errorf("failed to list cached archives: %w", err)
		}
		if _, err := exec(ctx, tx, `
			DELETE FROM package_versions
			WHERE package_name IN (SELECT name FROM packages WHERE is_upstream_cache = ?)`, true); err != nil {
			return fmt.Errorf("failed to delete cached versions: %w", err)
		}
		if _, err := exec(ctx, tx, `DELETE FROM packages WHERE is_upstream_cache = ?`, true); err != nil {
			return fmt.Errorf("failed to delete cached packages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

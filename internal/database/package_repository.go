package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const packageColumns = `name, owner_id, is_discontinued, replaced_by, is_upstream_cache, created_at, updated_at`

// PackageRepository handles package database operations
type PackageRepository struct {
	db *DB
}

// NewPackageRepository creates a new package repository
func NewPackageRepository(db *DB) *PackageRepository {
	return &PackageRepository{db: db}
}

// Get retrieves a package by name. Returns nil, nil when it does not exist.
func (r *PackageRepository) Get(ctx context.Context, name string) (*Package, error) {
	return getPackage(ctx, r.db.conn, name)
}

func getPackage(ctx context.Context, q sqlx.ExtContext, name string) (*Package, error) {
	var p Package
	err := sqlx.GetContext(ctx, q, &p, q.Rebind(`SELECT `+packageColumns+` FROM packages WHERE name = ?`), name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return &p, nil
}

// Create inserts a package row. A duplicate name surfaces as a unique violation.
func (r *PackageRepository) Create(ctx context.Context, p *Package) error {
	return createPackage(ctx, r.db.conn, p)
}

func createPackage(ctx context.Context, q sqlx.ExtContext, p *Package) error {
	now := time.Now().UTC()
	_, err := exec(ctx, q, `
		INSERT INTO packages (name, owner_id, is_discontinued, replaced_by, is_upstream_cache, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.OwnerID, p.IsDiscontinued, p.ReplacedBy, p.IsUpstreamCache, ts(now), ts(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create package: %w", err)
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// List returns packages ordered by name
func (r *PackageRepository) List(ctx context.Context, limit, offset int) ([]*Package, error) {
	var pkgs []*Package
	err := r.db.conn.SelectContext(ctx, &pkgs, r.db.conn.Rebind(`
		SELECT `+packageColumns+`
		FROM packages
		ORDER BY name
		LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	return pkgs, nil
}

// Search returns packages whose name contains query, case-insensitively
func (r *PackageRepository) Search(ctx context.Context, query string, limit, offset int) ([]*Package, error) {
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"

	var pkgs []*Package
	err := r.db.conn.SelectContext(ctx, &pkgs, r.db.conn.Rebind(`
		SELECT `+packageColumns+`
		FROM packages
		WHERE LOWER(name) LIKE ? ESCAPE '\'
		ORDER BY name
		LIMIT ? OFFSET ?`), pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to search packages: %w", err)
	}
	return pkgs, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// SetDiscontinued flags or unflags a package. replacedBy is only kept while
// discontinued. Returns false when the package does not exist.
func (r *PackageRepository) SetDiscontinued(ctx context.Context, name string, discontinued bool, replacedBy string) (bool, error) {
	var replaced interface{}
	if discontinued && replacedBy != "" {
		replaced = replacedBy
	}

	res, err := exec(ctx, r.db.conn, `
		UPDATE packages SET is_discontinued = ?, replaced_by = ?, updated_at = ?
		WHERE name = ?`,
		discontinued, replaced, ts(time.Now()), name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update package: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Delete removes a package and all of its versions. It returns the archive
// keys the versions pointed at so the caller can remove the blobs. Returns
// nil, false when the package does not exist.
func (r *PackageRepository) Delete(ctx context.Context, name string) ([]string, bool, error) {
	var (
		keys  []string
		found bool
	)
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &keys, tx.Rebind(`SELECT archive_key FROM package_versions WHERE package_name = ?`), name); err != nil {
			return fmt.Errorf("failed to list package archives: %w", err)
		}
		if _, err := exec(ctx, tx, `DELETE FROM package_versions WHERE package_name = ?`, name); err != nil {
			return fmt.Errorf("failed to delete package versions: %w", err)
		}
		res, err := exec(ctx, tx, `DELETE FROM packages WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("failed to delete package: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		found = n > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return keys, found, nil
}

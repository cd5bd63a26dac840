package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ned1313/pub-registry/internal/apperr"
)

// Store bundles the repositories behind one handle
type Store struct {
	DB             *DB
	Packages       *PackageRepository
	Versions       *VersionRepository
	Tokens         *TokenRepository
	UploadSessions *UploadSessionRepository
	Sessions       *SessionRepository
	Users          *UserRepository
	Admins         *UserRepository
	StorageConfig  *StorageConfigRepository
	Audit          *AuditRepository
}

// NewStore wires every repository to db
func NewStore(db *DB) *Store {
	return &Store{
		DB:             db,
		Packages:       NewPackageRepository(db),
		Versions:       NewVersionRepository(db),
		Tokens:         NewTokenRepository(db),
		UploadSessions: NewUploadSessionRepository(db),
		Sessions:       NewSessionRepository(db),
		Users:          NewUserRepository(db),
		Admins:         NewAdminUserRepository(db),
		StorageConfig:  NewStorageConfigRepository(db),
		Audit:          NewAuditRepository(db),
	}
}

// PublishVersion commits a finalized upload in one transaction: the package
// is created or its unowned row claimed, the version row inserted and the
// upload session completed. Exactly one of several concurrent calls for the
// same (package, version) or the same session succeeds; the rest fail with
// a Conflict.
func (s *Store) PublishVersion(ctx context.Context, sessionID string, v *PackageVersion) error {
	now := time.Now().UTC()
	if v.PublishedAt.IsZero() {
		v.PublishedAt = now
	}

	err := s.DB.withTx(ctx, func(tx *sqlx.Tx) error {
		pkg, err := getPackage(ctx, tx, v.PackageName)
		if err != nil {
			return apperr.BackendFailure("publish", err)
		}

		switch {
		case pkg == nil:
			err := createPackage(ctx, tx, &Package{Name: v.PackageName, OwnerID: v.PublishedBy})
			if IsUniqueViolation(err) {
				return apperr.Conflicting(apperr.CodeConflict, "package %s is being created concurrently", v.PackageName)
			}
			if err != nil {
				return apperr.BackendFailure("publish", err)
			}
		case !pkg.OwnerID.Valid && v.PublishedBy.Valid:
			claimed, err := claimPackage(ctx, tx, v.PackageName, v.PublishedBy.Int64, now)
			if err != nil {
				return apperr.BackendFailure("publish", err)
			}
			if !claimed {
				return apperr.Conflicting(apperr.CodeConflict, "package %s was claimed concurrently", v.PackageName)
			}
		default:
			if _, err := exec(ctx, tx, `UPDATE packages SET updated_at = ? WHERE name = ?`, ts(now), v.PackageName); err != nil {
				return apperr.BackendFailure("publish", fmt.Errorf("failed to touch package: %w", err))
			}
		}

		err = insertVersion(ctx, tx, v)
		if IsUniqueViolation(err) {
			return apperr.Conflicting(apperr.CodeDuplicateVersion, "version %s of package %s already exists", v.Version, v.PackageName)
		}
		if err != nil {
			return apperr.BackendFailure("publish", err)
		}

		completed, err := completeSession(ctx, tx, sessionID, now)
		if err != nil {
			return apperr.BackendFailure("publish", err)
		}
		if !completed {
			return apperr.Conflicting(apperr.CodeConflict, "upload session %s was already finalized", sessionID)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	// Constraint failures can also surface at commit
	if IsUniqueViolation(err) {
		return apperr.Conflicting(apperr.CodeDuplicateVersion, "version %s of package %s already exists", v.Version, v.PackageName)
	}
	if apperr.Code(err) == apperr.CodeInternal {
		return apperr.BackendFailure("publish", err)
	}
	return err
}

func claimPackage(ctx context.Context, q sqlx.ExtContext, name string, ownerID int64, now time.Time) (bool, error) {
	res, err := exec(ctx, q, `
		UPDATE packages SET owner_id = ?, updated_at = ?
		WHERE name = ? AND owner_id IS NULL`,
		ownerID, ts(now), name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim package: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats returns catalog counters
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	var st Stats
	err := s.DB.conn.GetContext(ctx, &st, `
		SELECT
			(SELECT COUNT(*) FROM packages) AS packages,
			(SELECT COUNT(*) FROM package_versions) AS versions,
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM auth_tokens) AS tokens,
			(SELECT COALESCE(SUM(archive_size), 0) FROM package_versions) AS archive_bytes`)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &st, nil
}

// NullString maps "" to NULL for optional text columns
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

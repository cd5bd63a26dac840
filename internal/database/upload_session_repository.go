package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const uploadSessionColumns = `id, user_id, token_hash, created_at, expires_at, staged_key, archive_sha256,
	archive_size, pubspec, uploaded_at, completed, completed_at`

// UploadSessionRepository handles upload session database operations
type UploadSessionRepository struct {
	db *DB
}

// NewUploadSessionRepository creates a new upload session repository
func NewUploadSessionRepository(db *DB) *UploadSessionRepository {
	return &UploadSessionRepository{db: db}
}

// Create inserts a new session in the Created state
func (r *UploadSessionRepository) Create(ctx context.Context, s *UploadSession) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := exec(ctx, r.db.conn, `
		INSERT INTO upload_sessions (id, user_id, token_hash, created_at, expires_at, completed)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.TokenHash, ts(s.CreatedAt), ts(s.ExpiresAt), false,
	)
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// Get retrieves a session by id. Returns nil, nil when unknown.
func (r *UploadSessionRepository) Get(ctx context.Context, id string) (*UploadSession, error) {
	var s UploadSession
	err := r.db.conn.GetContext(ctx, &s, r.db.conn.Rebind(`SELECT `+uploadSessionColumns+` FROM upload_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return &s, nil
}

// MarkUploaded records the staged archive. It only succeeds for a session
// that has no archive yet, is not completed and has not expired at the
// given time; otherwise it returns false.
func (r *UploadSessionRepository) MarkUploaded(ctx context.Context, id, stagedKey, sha256Hex string, size int64, pubspec string, at time.Time) (bool, error) {
	res, err := exec(ctx, r.db.conn, `
		UPDATE upload_sessions
		SET staged_key = ?, archive_sha256 = ?, archive_size = ?, pubspec = ?, uploaded_at = ?
		WHERE id = ? AND uploaded_at IS NULL AND completed = ? AND expires_at > ?`,
		stagedKey, sha256Hex, size, pubspec, ts(at), id, false, ts(at),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark upload session: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// completeSession flips the session to completed exactly once
func completeSession(ctx context.Context, q sqlx.ExtContext, id string, at time.Time) (bool, error) {
	res, err := exec(ctx, q, `
		UPDATE upload_sessions SET completed = ?, completed_at = ?
		WHERE id = ? AND completed = ?`,
		true, ts(at), id, false,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete upload session: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearExpiredStaging detaches the staged archives of sessions that expired
// before cutoff without being completed and returns their keys. The rows
// themselves are kept.
func (r *UploadSessionRepository) ClearExpiredStaging(ctx context.Context, cutoff time.Time) ([]string, error) {
	var keys []string
	err := r.db.withTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.SelectContext(ctx, &keys, tx.Rebind(`
			SELECT staged_key FROM upload_sessions
			WHERE expires_at < ? AND completed = ? AND staged_key IS NOT NULL`), ts(cutoff), false)
		if err != nil {
			return fmt.Errorf("failed to list expired upload sessions: %w", err)
		}
		_, err = exec(ctx, tx, `
			UPDATE upload_sessions SET staged_key = NULL
			WHERE expires_at < ? AND completed = ? AND staged_key IS NOT NULL`, ts(cutoff), false)
		if err != nil {
			return fmt.Errorf("failed to clear expired upload sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

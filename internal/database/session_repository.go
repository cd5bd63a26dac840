package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = `id, kind, subject_id, jti, ip_address, user_agent, expires_at, revoked, created_at`

// SessionRepository provides database access for cookie sessions
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session
func (r *SessionRepository) Create(ctx context.Context, session *Session) error {
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}

	err := r.db.conn.QueryRowxContext(ctx, r.db.conn.Rebind(`
		INSERT INTO sessions (kind, subject_id, jti, ip_address, user_agent, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		string(session.Kind),
		session.SubjectID,
		session.JTI,
		session.IPAddress,
		session.UserAgent,
		ts(session.ExpiresAt),
		false,
		ts(session.CreatedAt),
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetByJTI retrieves a session by JWT ID. The caller must check Kind.
func (r *SessionRepository) GetByJTI(ctx context.Context, jti string) (*Session, error) {
	var session Session
	err := r.db.conn.GetContext(ctx, &session, r.db.conn.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE jti = ?`), jti)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &session, nil
}

// Revoke revokes a session by JWT ID
func (r *SessionRepository) Revoke(ctx context.Context, jti string) error {
	res, err := exec(ctx, r.db.conn, `UPDATE sessions SET revoked = ? WHERE jti = ?`, true, jti)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}

	rows, err := affected(res)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("session not found")
	}
	return nil
}

// RevokeAllForSubject revokes every live session of one account
func (r *SessionRepository) RevokeAllForSubject(ctx context.Context, kind SessionKind, subjectID int64) (int64, error) {
	res, err := exec(ctx, r.db.conn, `
		UPDATE sessions SET revoked = ?
		WHERE kind = ? AND subject_id = ? AND revoked = ?`,
		true, string(kind), subjectID, false,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return affected(res)
}

// DeleteExpired deletes all sessions that expired before now
func (r *SessionRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := exec(ctx, r.db.conn, `DELETE FROM sessions WHERE expires_at < ?`, ts(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return affected(res)
}

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const tokenColumns = `token_hash, user_id, label, scopes, created_at, last_used_at, expires_at`

// TokenRepository handles auth token database operations
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

// Create stores a token digest. A label already used by the same user is a
// unique violation.
func (r *TokenRepository) Create(ctx context.Context, t *AuthToken) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := exec(ctx, r.db.conn, `
		INSERT INTO auth_tokens (token_hash, user_id, label, scopes, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.TokenHash, t.UserID, t.Label, t.Scopes, ts(t.CreatedAt), nullTS(t.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}
	return nil
}

// GetByHash looks up a token by digest. Returns nil, nil when unknown.
func (r *TokenRepository) GetByHash(ctx context.Context, hash string) (*AuthToken, error) {
	var t AuthToken
	err := r.db.conn.GetContext(ctx, &t, r.db.conn.Rebind(`SELECT `+tokenColumns+` FROM auth_tokens WHERE token_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return &t, nil
}

// Touch records a successful use of the token
func (r *TokenRepository) Touch(ctx context.Context, hash string, at time.Time) error {
	if _, err := exec(ctx, r.db.conn, `UPDATE auth_tokens SET last_used_at = ? WHERE token_hash = ?`, ts(at), hash); err != nil {
		return fmt.Errorf("failed to touch token: %w", err)
	}
	return nil
}

// ListByUser returns a user's tokens, newest first
func (r *TokenRepository) ListByUser(ctx context.Context, userID int64) ([]*AuthToken, error) {
	var tokens []*AuthToken
	err := r.db.conn.SelectContext(ctx, &tokens, r.db.conn.Rebind(`
		SELECT `+tokenColumns+`
		FROM auth_tokens
		WHERE user_id = ?
		ORDER BY created_at DESC, label`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

// DeleteByLabel revokes a user's token. Returns false when no token matched.
func (r *TokenRepository) DeleteByLabel(ctx context.Context, userID int64, label string) (bool, error) {
	res, err := exec(ctx, r.db.conn, `DELETE FROM auth_tokens WHERE user_id = ? AND label = ?`, userID, label)
	if err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

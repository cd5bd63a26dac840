package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const userColumns = `id, username, password_hash, is_active, created_at, updated_at, last_login_at`

// UserRepository handles account database operations. The same type serves
// end users and administrators, each bound to its own table.
type UserRepository struct {
	db    *DB
	table string
}

// NewUserRepository creates a repository over end-user accounts
func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db, table: "users"}
}

// NewAdminUserRepository creates a repository over administrator accounts
func NewAdminUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db, table: "admin_users"}
}

// Create inserts a new account. PasswordHash must already be hashed.
func (r *UserRepository) Create(ctx context.Context, u *User) error {
	now := time.Now().UTC()
	err := r.db.conn.QueryRowxContext(ctx, r.db.conn.Rebind(`
		INSERT INTO `+r.table+` (username, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		u.Username, u.PasswordHash, u.IsActive, ts(now), ts(now),
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	u.CreatedAt = now
	u.UpdatedAt = now
	return nil
}

// GetByID retrieves an account by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*User, error) {
	return r.getBy(ctx, "id", id)
}

// GetByUsername retrieves an account by username
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	return r.getBy(ctx, "username", username)
}

func (r *UserRepository) getBy(ctx context.Context, column string, value interface{}) (*User, error) {
	u := &User{}
	err := r.db.conn.GetContext(ctx, u, r.db.conn.Rebind(`SELECT `+userColumns+` FROM `+r.table+` WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// List returns all accounts ordered by username
func (r *UserRepository) List(ctx context.Context) ([]*User, error) {
	var users []*User
	if err := r.db.conn.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM `+r.table+` ORDER BY username`); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// UpdateLastLogin updates the last login timestamp
func (r *UserRepository) UpdateLastLogin(ctx context.Context, id int64) error {
	_, err := exec(ctx, r.db.conn, `UPDATE `+r.table+` SET last_login_at = ? WHERE id = ?`, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// UpdatePassword replaces the stored password hash
func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := exec(ctx, r.db.conn, `UPDATE `+r.table+` SET password_hash = ?, updated_at = ? WHERE id = ?`,
		passwordHash, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

// SetActive enables or disables an account
func (r *UserRepository) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := exec(ctx, r.db.conn, `UPDATE `+r.table+` SET is_active = ?, updated_at = ? WHERE id = ?`,
		active, ts(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// Count returns the number of accounts
func (r *UserRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM `+r.table); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

package database

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// CreateInitialAdminUser creates the first administrator when none exist.
// passwordHash must already be hashed. Returns true when a user was created.
func CreateInitialAdminUser(ctx context.Context, db *DB, username, passwordHash string) (bool, error) {
	admins := NewAdminUserRepository(db)

	count, err := admins.Count(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to check for existing admins: %w", err)
	}

	if count > 0 {
		db.log.Debug("admin users already exist, skipping initial admin", zap.Int64("count", count))
		return false, nil
	}

	user := &User{
		Username:     username,
		PasswordHash: passwordHash,
		IsActive:     true,
	}
	if err := admins.Create(ctx, user); err != nil {
		return false, fmt.Errorf("failed to create initial admin user: %w", err)
	}

	db.log.Info("created initial admin user", zap.String("username", username))
	return true, nil
}

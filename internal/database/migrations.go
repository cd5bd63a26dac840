package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// migration is one additive schema step. Statements run in order inside a
// single transaction.
type migration struct {
	version    int
	name       string
	statements []string
}

// Migrate brings the schema up to date. Each migration runs in its own
// transaction and is recorded exactly once in schema_migrations.
func (db *DB) Migrate(ctx context.Context) error {
	createMigrationsTable := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`
	if _, err := db.conn.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := db.conn.GetContext(ctx, &currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	db.log.Debug("current schema version", zap.Int("version", currentVersion))

	for _, m := range migrationsFor(db.dialect) {
		if m.version <= currentVersion {
			continue
		}

		db.log.Info("applying migration", zap.Int("version", m.version), zap.String("name", m.name))

		err := db.withTx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d failed: %w", m.version, err)
				}
			}
			if _, err := exec(ctx, tx, "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, ts(time.Now())); err != nil {
				return fmt.Errorf("failed to record migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the highest applied migration
func (db *DB) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := db.conn.GetContext(ctx, &v, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return v, nil
}

// migrationsFor returns the ordered migration list for a dialect
func migrationsFor(d Dialect) []migration {
	var ms []migration
	switch d {
	case DialectPostgres:
		ms = postgresMigrations()
	default:
		ms = sqliteMigrations()
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].version < ms[j].version })
	return ms
}

func sqliteMigrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "catalog",
			statements: []string{
				`CREATE TABLE users (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					last_login_at TIMESTAMP
				)`,
				`CREATE TABLE admin_users (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT 1,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					last_login_at TIMESTAMP
				)`,
				`CREATE TABLE packages (
					name TEXT PRIMARY KEY,
					owner_id INTEGER REFERENCES users(id) ON DELETE SET NULL,
					is_discontinued BOOLEAN NOT NULL DEFAULT 0,
					replaced_by TEXT,
					is_upstream_cache BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE package_versions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					package_name TEXT NOT NULL REFERENCES packages(name) ON DELETE CASCADE,
					version TEXT NOT NULL,
					pubspec TEXT NOT NULL,
					archive_key TEXT NOT NULL,
					archive_sha256 TEXT NOT NULL,
					archive_size INTEGER NOT NULL,
					published_by INTEGER REFERENCES users(id) ON DELETE SET NULL,
					published_at TIMESTAMP NOT NULL,
					is_retracted BOOLEAN NOT NULL DEFAULT 0,
					retracted_at TIMESTAMP,
					retraction_message TEXT,
					UNIQUE(package_name, version)
				)`,
				`CREATE TABLE auth_tokens (
					token_hash TEXT PRIMARY KEY,
					user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					label TEXT NOT NULL,
					scopes TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					last_used_at TIMESTAMP,
					expires_at TIMESTAMP,
					UNIQUE(user_id, label)
				)`,
				`CREATE TABLE upload_sessions (
					id TEXT PRIMARY KEY,
					user_id INTEGER NOT NULL,
					token_hash TEXT NOT NULL,
					created_at TIMESTAMP NOT NULL,
					expires_at TIMESTAMP NOT NULL,
					staged_key TEXT,
					archive_sha256 TEXT,
					archive_size INTEGER,
					pubspec TEXT,
					uploaded_at TIMESTAMP,
					completed BOOLEAN NOT NULL DEFAULT 0,
					completed_at TIMESTAMP
				)`,
			},
		},
		{
			version: 2,
			name:    "sessions_and_storage",
			statements: []string{
				`CREATE TABLE sessions (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					kind TEXT NOT NULL CHECK (kind IN ('user', 'admin')),
					subject_id INTEGER NOT NULL,
					jti TEXT NOT NULL UNIQUE,
					ip_address TEXT,
					user_agent TEXT,
					expires_at TIMESTAMP NOT NULL,
					revoked BOOLEAN NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE TABLE storage_config (
					slot TEXT PRIMARY KEY CHECK (slot IN ('active', 'pending')),
					type TEXT NOT NULL,
					path TEXT,
					endpoint TEXT,
					bucket TEXT,
					region TEXT,
					access_key TEXT,
					secret_key_sealed TEXT,
					force_path_style BOOLEAN NOT NULL DEFAULT 0,
					updated_at TIMESTAMP NOT NULL
				)`,
			},
		},
		{
			version: 3,
			name:    "audit_and_indexes",
			statements: []string{
				`CREATE TABLE audit_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					event TEXT NOT NULL,
					package_name TEXT,
					version TEXT,
					actor TEXT,
					metadata TEXT,
					created_at TIMESTAMP NOT NULL
				)`,
				`CREATE INDEX idx_audit_log_created ON audit_log(created_at DESC)`,
				`CREATE INDEX idx_audit_log_package ON audit_log(package_name)`,
				`CREATE INDEX idx_package_versions_package ON package_versions(package_name)`,
				`CREATE INDEX idx_auth_tokens_user ON auth_tokens(user_id)`,
				`CREATE INDEX idx_sessions_subject ON sessions(kind, subject_id)`,
				`CREATE INDEX idx_sessions_expires ON sessions(expires_at)`,
				`CREATE INDEX idx_upload_sessions_expires ON upload_sessions(expires_at)`,
			},
		},
	}
}

func postgresMigrations() []migration {
	return []migration{
		{
			version: 1,
			name:    "catalog",
			statements: []string{
				`CREATE TABLE users (
					id BIGSERIAL PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					last_login_at TIMESTAMPTZ
				)`,
				`CREATE TABLE admin_users (
					id BIGSERIAL PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					password_hash TEXT NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL,
					last_login_at TIMESTAMPTZ
				)`,
				`CREATE TABLE packages (
					name TEXT PRIMARY KEY,
					owner_id BIGINT REFERENCES users(id) ON DELETE SET NULL,
					is_discontinued BOOLEAN NOT NULL DEFAULT FALSE,
					replaced_by TEXT,
					is_upstream_cache BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE TABLE package_versions (
					id BIGSERIAL PRIMARY KEY,
					package_name TEXT NOT NULL REFERENCES packages(name) ON DELETE CASCADE,
					version TEXT NOT NULL,
					pubspec TEXT NOT NULL,
					archive_key TEXT NOT NULL,
					archive_sha256 TEXT NOT NULL,
					archive_size BIGINT NOT NULL,
					published_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
					published_at TIMESTAMPTZ NOT NULL,
					is_retracted BOOLEAN NOT NULL DEFAULT FALSE,
					retracted_at TIMESTAMPTZ,
					retraction_message TEXT,
					UNIQUE(package_name, version)
				)`,
				`CREATE TABLE auth_tokens (
					token_hash TEXT PRIMARY KEY,
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					label TEXT NOT NULL,
					scopes TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					last_used_at TIMESTAMPTZ,
					expires_at TIMESTAMPTZ,
					UNIQUE(user_id, label)
				)`,
				`CREATE TABLE upload_sessions (
					id TEXT PRIMARY KEY,
					user_id BIGINT NOT NULL,
					token_hash TEXT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL,
					expires_at TIMESTAMPTZ NOT NULL,
					staged_key TEXT,
					archive_sha256 TEXT,
					archive_size BIGINT,
					pubspec TEXT,
					uploaded_at TIMESTAMPTZ,
					completed BOOLEAN NOT NULL DEFAULT FALSE,
					completed_at TIMESTAMPTZ
				)`,
			},
		},
		{
			version: 2,
			name:    "sessions_and_storage",
			statements: []string{
				`CREATE TABLE sessions (
					id BIGSERIAL PRIMARY KEY,
					kind TEXT NOT NULL CHECK (kind IN ('user', 'admin')),
					subject_id BIGINT NOT NULL,
					jti TEXT NOT NULL UNIQUE,
					ip_address TEXT,
					user_agent TEXT,
					expires_at TIMESTAMPTZ NOT NULL,
					revoked BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE TABLE storage_config (
					slot TEXT PRIMARY KEY CHECK (slot IN ('active', 'pending')),
					type TEXT NOT NULL,
					path TEXT,
					endpoint TEXT,
					bucket TEXT,
					region TEXT,
					access_key TEXT,
					secret_key_sealed TEXT,
					force_path_style BOOLEAN NOT NULL DEFAULT FALSE,
					updated_at TIMESTAMPTZ NOT NULL
				)`,
			},
		},
		{
			version: 3,
			name:    "audit_and_indexes",
			statements: []string{
				`CREATE TABLE audit_log (
					id BIGSERIAL PRIMARY KEY,
					event TEXT NOT NULL,
					package_name TEXT,
					version TEXT,
					actor TEXT,
					metadata TEXT,
					created_at TIMESTAMPTZ NOT NULL
				)`,
				`CREATE INDEX idx_audit_log_created ON audit_log(created_at DESC)`,
				`CREATE INDEX idx_audit_log_package ON audit_log(package_name)`,
				`CREATE INDEX idx_package_versions_package ON package_versions(package_name)`,
				`CREATE INDEX idx_auth_tokens_user ON auth_tokens(user_id)`,
				`CREATE INDEX idx_sessions_subject ON sessions(kind, subject_id)`,
				`CREATE INDEX idx_sessions_expires ON sessions(expires_at)`,
				`CREATE INDEX idx_upload_sessions_expires ON upload_sessions(expires_at)`,
			},
		},
	}
}

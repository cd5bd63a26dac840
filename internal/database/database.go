// Package database implements the metadata store: the transactional catalog
// of packages, versions, tokens, upload sessions, cookie sessions and storage
// settings over SQLite, libSQL or PostgreSQL.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/tursodatabase/libsql-client-go/libsql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/ned1313/pub-registry/internal/config"
)

// Dialect identifies the SQL flavor spoken by a backend
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
	sqlx.BindDriver("libsql", sqlx.QUESTION)
}

// DB wraps the database connection and provides access to repositories
type DB struct {
	conn    *sqlx.DB
	driver  string
	dialect Dialect
	log     *zap.Logger
}

// New opens the database described by cfg and runs migrations
func New(ctx context.Context, cfg *config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	db, err := Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

// Open connects to the database without touching the schema
func Open(ctx context.Context, cfg *config.DatabaseConfig, log *zap.Logger) (*DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var (
		dsn     string
		dialect Dialect
		err     error
	)
	switch cfg.Driver {
	case "sqlite":
		dsn, err = sqliteDSN(cfg.DSN, cfg.BusyTimeoutMs)
		if err != nil {
			return nil, err
		}
		dialect = DialectSQLite
	case "libsql":
		dsn = cfg.DSN
		dialect = DialectSQLite
	case "postgres":
		dsn = cfg.DSN
		dialect = DialectPostgres
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	conn, err := sqlx.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		conn:    conn,
		driver:  cfg.Driver,
		dialect: dialect,
		log:     log,
	}

	log.Info("database opened", zap.String("driver", cfg.Driver))
	return db, nil
}

// sqliteDSN turns a file path (or file: URI) into a modernc DSN carrying the
// pragmas every connection needs.
func sqliteDSN(dsn string, busyTimeoutMs int) (string, error) {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path != ":memory:" && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return "", fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeoutMs))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	q.Set("_time_format", "sqlite")

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return dsn + sep + q.Encode(), nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying connection
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// Driver returns the configured driver name
func (db *DB) Driver() string {
	return db.driver
}

// Dialect returns the SQL flavor of the backend
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// withTx runs fn inside a transaction, committing when fn returns nil
func (db *DB) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// exec runs a statement written with ? placeholders on q
func exec(ctx context.Context, q sqlx.ExtContext, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, q.Rebind(query), args...)
}

// affected returns the number of rows changed by res
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

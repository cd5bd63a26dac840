package database

import (
	"database/sql"
	"time"
)

// Package is a named family of versions
type Package struct {
	Name           string         `db:"name"`
	OwnerID        sql.NullInt64  `db:"owner_id"`
	IsDiscontinued bool           `db:"is_discontinued"`
	ReplacedBy     sql.NullString `db:"replaced_by"`

	// Set for packages pulled from an upstream registry
	IsUpstreamCache bool `db:"is_upstream_cache"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// PackageVersion is an immutable published release of a package
type PackageVersion struct {
	ID          int64  `db:"id"`
	PackageName string `db:"package_name"`
	Version     string `db:"version"`

	// Pubspec is the manifest as JSON text
	Pubspec string `db:"pubspec"`

	// Archive location and content digest
	ArchiveKey    string `db:"archive_key"`
	ArchiveSHA256 string `db:"archive_sha256"`
	ArchiveSize   int64  `db:"archive_size"`

	PublishedBy sql.NullInt64 `db:"published_by"`
	PublishedAt time.Time     `db:"published_at"`

	// Retraction is the only mutable part of a version
	IsRetracted       bool           `db:"is_retracted"`
	RetractedAt       sql.NullTime   `db:"retracted_at"`
	RetractionMessage sql.NullString `db:"retraction_message"`
}

// AuthToken is a bearer credential. Only the digest of the secret is stored.
type AuthToken struct {
	TokenHash  string       `db:"token_hash"`
	UserID     int64        `db:"user_id"`
	Label      string       `db:"label"`
	Scopes     string       `db:"scopes"` // comma-joined
	CreatedAt  time.Time    `db:"created_at"`
	LastUsedAt sql.NullTime `db:"last_used_at"`
	ExpiresAt  sql.NullTime `db:"expires_at"`
}

// UploadSession tracks one publish attempt from creation to finalize
type UploadSession struct {
	ID        string    `db:"id"`
	UserID    int64     `db:"user_id"`
	TokenHash string    `db:"token_hash"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`

	// Filled in when the archive is uploaded
	StagedKey     sql.NullString `db:"staged_key"`
	ArchiveSHA256 sql.NullString `db:"archive_sha256"`
	ArchiveSize   sql.NullInt64  `db:"archive_size"`
	Pubspec       sql.NullString `db:"pubspec"`
	UploadedAt    sql.NullTime   `db:"uploaded_at"`

	Completed   bool         `db:"completed"`
	CompletedAt sql.NullTime `db:"completed_at"`
}

// Uploaded reports whether an archive has been staged for the session
func (s *UploadSession) Uploaded() bool {
	return s.UploadedAt.Valid
}

// Expired reports whether the session is past its deadline at now
func (s *UploadSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// User is an account. End users and administrators live in separate tables
// with independent id spaces but share this shape.
type User struct {
	ID           int64        `db:"id"`
	Username     string       `db:"username"`
	PasswordHash string       `db:"password_hash"`
	IsActive     bool         `db:"is_active"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
	LastLoginAt  sql.NullTime `db:"last_login_at"`
}

// SessionKind discriminates end-user from admin cookie sessions
type SessionKind string

const (
	SessionKindUser  SessionKind = "user"
	SessionKindAdmin SessionKind = "admin"
)

// Session is a cookie-backed login session
type Session struct {
	ID        int64          `db:"id"`
	Kind      SessionKind    `db:"kind"`
	SubjectID int64          `db:"subject_id"`
	JTI       string         `db:"jti"`
	IPAddress sql.NullString `db:"ip_address"`
	UserAgent sql.NullString `db:"user_agent"`
	ExpiresAt time.Time      `db:"expires_at"`
	Revoked   bool           `db:"revoked"`
	CreatedAt time.Time      `db:"created_at"`
}

// Storage config slots
const (
	SlotActive  = "active"
	SlotPending = "pending"
)

// StorageSettings is a persisted blob backend configuration
type StorageSettings struct {
	Slot      string         `db:"slot"`
	Type      string         `db:"type"`
	Path      sql.NullString `db:"path"`
	Endpoint  sql.NullString `db:"endpoint"`
	Bucket    sql.NullString `db:"bucket"`
	Region    sql.NullString `db:"region"`
	AccessKey sql.NullString `db:"access_key"`

	// SecretKeySealed is the secret access key sealed with the server keyring
	SecretKeySealed sql.NullString `db:"secret_key_sealed"`

	ForcePathStyle bool      `db:"force_path_style"`
	UpdatedAt      time.Time `db:"updated_at"`
}

// AuditEntry is one recorded registry event
type AuditEntry struct {
	ID          int64          `db:"id"`
	Event       string         `db:"event"`
	PackageName sql.NullString `db:"package_name"`
	Version     sql.NullString `db:"version"`
	Actor       sql.NullString `db:"actor"`
	Metadata    sql.NullString `db:"metadata"` // JSON
	CreatedAt   time.Time      `db:"created_at"`
}

// InventoryItem is one archive the catalog claims exists
type InventoryItem struct {
	PackageName   string `db:"package_name"`
	Version       string `db:"version"`
	ArchiveKey    string `db:"archive_key"`
	ArchiveSHA256 string `db:"archive_sha256"`
	ArchiveSize   int64  `db:"archive_size"`
}

// Stats summarizes catalog contents
type Stats struct {
	Packages     int64 `db:"packages"`
	Versions     int64 `db:"versions"`
	Users        int64 `db:"users"`
	Tokens       int64 `db:"tokens"`
	ArchiveBytes int64 `db:"archive_bytes"`
}

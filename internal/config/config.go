package config

import (
	"time"
)

// Config represents the complete application configuration.
//
// A Config is resolved once at process start by Load and is not mutated
// afterwards; components receive it (or one of its sections) by pointer.
type Config struct {
	Server    ServerConfig    `hcl:"server,block"`
	Database  DatabaseConfig  `hcl:"database,block"`
	Storage   StorageConfig   `hcl:"storage,block"`
	Auth      AuthConfig      `hcl:"auth,block"`
	Publish   PublishConfig   `hcl:"publish,block"`
	Download  DownloadConfig  `hcl:"download,block"`
	Migration MigrationConfig `hcl:"migration,block"`
	Startup   StartupConfig   `hcl:"startup,block"`
	Logging   LoggingConfig   `hcl:"logging,block"`
	Telemetry TelemetryConfig `hcl:"telemetry,block"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port                   int    `hcl:"port,optional"`
	BaseURL                string `hcl:"base_url,optional"`
	TLSEnabled             bool   `hcl:"tls_enabled,optional"`
	TLSCertPath            string `hcl:"tls_cert_path,optional"`
	TLSKeyPath             string `hcl:"tls_key_path,optional"`
	BehindProxy            bool   `hcl:"behind_proxy,optional"`
	ReadTimeoutSeconds     int    `hcl:"read_timeout_seconds,optional"`
	WriteTimeoutSeconds    int    `hcl:"write_timeout_seconds,optional"`
	ShutdownTimeoutSeconds int    `hcl:"shutdown_timeout_seconds,optional"`

	// Browser origins allowed to call the account and admin APIs
	CORSOrigins []string `hcl:"cors_origins,optional"`
}

// DatabaseConfig selects the relational engine backing the catalog
type DatabaseConfig struct {
	Driver        string `hcl:"driver,optional"` // sqlite, libsql or postgres
	DSN           string `hcl:"dsn,optional"`
	BusyTimeoutMs int    `hcl:"busy_timeout_ms,optional"`
	MaxOpenConns  int    `hcl:"max_open_conns,optional"`
}

// StorageConfig contains blob storage settings
type StorageConfig struct {
	Type                  string `hcl:"type,optional"`
	Path                  string `hcl:"path,optional"`
	Bucket                string `hcl:"bucket,optional"`
	Region                string `hcl:"region,optional"`
	Endpoint              string `hcl:"endpoint,optional"`
	AccessKey             string `hcl:"access_key,optional"`
	SecretKey             string `hcl:"secret_key,optional"`
	ForcePathStyle        bool   `hcl:"force_path_style,optional"`
	SignedURLTTLSeconds   int    `hcl:"signed_url_ttl_seconds,optional"`
	RequestTimeoutSeconds int    `hcl:"request_timeout_seconds,optional"`
}

// AuthConfig contains authentication settings
type AuthConfig struct {
	SecretKey         string `hcl:"secret_key,optional"`
	BCryptCost        int    `hcl:"bcrypt_cost,optional"`
	UserSessionHours  int    `hcl:"user_session_hours,optional"`
	AdminSessionHours int    `hcl:"admin_session_hours,optional"`
	SecureCookies     bool   `hcl:"secure_cookies,optional"`
}

// PublishConfig bounds the publish handshake
type PublishConfig struct {
	SessionTTLSeconds    int    `hcl:"session_ttl_seconds,optional"`
	MaxUploadMB          int    `hcl:"max_upload_mb,optional"`
	MaxConcurrentUploads int    `hcl:"max_concurrent_uploads,optional"`
	TempDir              string `hcl:"temp_dir,optional"`
	EventQueueSize       int    `hcl:"event_queue_size,optional"`
}

// DownloadConfig controls archive downloads
type DownloadConfig struct {
	RequireAuth bool `hcl:"require_auth,optional"`
	// RedirectToSignedURL sends clients to the blob backend instead of
	// proxying the bytes through the server.
	RedirectToSignedURL bool `hcl:"redirect_to_signed_url,optional"`

	// In-memory LRU of published archives served by streaming; 0 disables it
	CacheSizeMB    int `hcl:"cache_size_mb,optional"`
	CacheMaxItemKB int `hcl:"cache_max_item_kb,optional"`
}

// MigrationConfig contains storage migration settings
type MigrationConfig struct {
	Concurrency        int `hcl:"concurrency,optional"`
	RateLimitPerSecond int `hcl:"rate_limit_per_second,optional"` // 0 = unlimited
}

// StartupConfig controls how long the server waits for its backends
type StartupConfig struct {
	RetryAttempts     int `hcl:"retry_attempts,optional"`
	RetryDelaySeconds int `hcl:"retry_delay_seconds,optional"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level    string `hcl:"level,optional"`
	Format   string `hcl:"format,optional"`
	Output   string `hcl:"output,optional"`
	FilePath string `hcl:"file_path,optional"`
}

// TelemetryConfig contains observability settings
type TelemetryConfig struct {
	Enabled     bool   `hcl:"enabled,optional"`
	MetricsPath string `hcl:"metrics_path,optional"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   8080,
			BaseURL:                "http://localhost:8080",
			TLSEnabled:             false,
			BehindProxy:            false,
			ReadTimeoutSeconds:     60,
			WriteTimeoutSeconds:    300,
			ShutdownTimeoutSeconds: 30,
		},
		Database: DatabaseConfig{
			Driver:        "sqlite",
			DSN:           "/data/pub-registry.db",
			BusyTimeoutMs: 5000,
			MaxOpenConns:  10,
		},
		Storage: StorageConfig{
			Type:                  "local",
			Path:                  "/data/blobs",
			Region:                "us-east-1",
			SignedURLTTLSeconds:   3600,
			RequestTimeoutSeconds: 60,
		},
		Auth: AuthConfig{
			SecretKey:         "", // Must be set via environment variable or config file
			BCryptCost:        12,
			UserSessionHours:  7 * 24,
			AdminSessionHours: 8,
			SecureCookies:     true,
		},
		Publish: PublishConfig{
			SessionTTLSeconds:    600,
			MaxUploadMB:          100,
			MaxConcurrentUploads: 4,
			EventQueueSize:       256,
		},
		Download: DownloadConfig{
			RequireAuth:         false,
			RedirectToSignedURL: true,
			CacheSizeMB:         64,
			CacheMaxItemKB:      1024,
		},
		Migration: MigrationConfig{
			Concurrency:        8,
			RateLimitPerSecond: 0,
		},
		Startup: StartupConfig{
			RetryAttempts:     5,
			RetryDelaySeconds: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
		},
	}
}

// GetReadTimeout returns the server read timeout as a duration
func (c *ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// GetWriteTimeout returns the server write timeout as a duration
func (c *ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// GetShutdownTimeout returns the graceful shutdown window as a duration
func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// GetBusyTimeout returns the sqlite busy timeout as a duration
func (c *DatabaseConfig) GetBusyTimeout() time.Duration {
	return time.Duration(c.BusyTimeoutMs) * time.Millisecond
}

// GetSignedURLTTL returns the signed URL lifetime as a duration
func (c *StorageConfig) GetSignedURLTTL() time.Duration {
	return time.Duration(c.SignedURLTTLSeconds) * time.Second
}

// GetRequestTimeout returns the object store HTTP timeout as a duration
func (c *StorageConfig) GetRequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// GetUserSessionTTL returns the end-user session lifetime
func (c *AuthConfig) GetUserSessionTTL() time.Duration {
	return time.Duration(c.UserSessionHours) * time.Hour
}

// GetAdminSessionTTL returns the administrator session lifetime
func (c *AuthConfig) GetAdminSessionTTL() time.Duration {
	return time.Duration(c.AdminSessionHours) * time.Hour
}

// GetSessionTTL returns the upload session lifetime
func (c *PublishConfig) GetSessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// GetMaxUploadBytes returns the upload ceiling in bytes
func (c *PublishConfig) GetMaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// GetRetryDelay returns the delay between startup attempts
func (c *StartupConfig) GetRetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

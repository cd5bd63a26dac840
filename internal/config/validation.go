package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// MinSecretKeyLength is the shortest accepted auth.secret_key.
const MinSecretKeyLength = 32

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if err := validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateDatabase(&cfg.Database); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := ValidateStorage(&cfg.Storage); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := validateAuth(&cfg.Auth); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}

	if err := validatePublish(&cfg.Publish); err != nil {
		return fmt.Errorf("publish config: %w", err)
	}

	if err := validateDownload(&cfg.Download); err != nil {
		return fmt.Errorf("download config: %w", err)
	}

	if err := validateMigration(&cfg.Migration); err != nil {
		return fmt.Errorf("migration config: %w", err)
	}

	if err := validateStartup(&cfg.Startup); err != nil {
		return fmt.Errorf("startup config: %w", err)
	}

	if err := validateLogging(&cfg.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}

	return nil
}

func validateServer(cfg *ServerConfig) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("base_url must be an absolute URL, got %q", cfg.BaseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url scheme must be http or https, got %s", u.Scheme)
	}

	if cfg.TLSEnabled {
		if cfg.TLSCertPath == "" {
			return fmt.Errorf("tls_cert_path is required when TLS is enabled")
		}
		if cfg.TLSKeyPath == "" {
			return fmt.Errorf("tls_key_path is required when TLS is enabled")
		}
		if _, err := os.Stat(cfg.TLSCertPath); os.IsNotExist(err) {
			return fmt.Errorf("tls_cert_path file not found: %s", cfg.TLSCertPath)
		}
		if _, err := os.Stat(cfg.TLSKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("tls_key_path file not found: %s", cfg.TLSKeyPath)
		}
	}

	if cfg.ReadTimeoutSeconds < 1 || cfg.WriteTimeoutSeconds < 1 {
		return fmt.Errorf("read_timeout_seconds and write_timeout_seconds must be at least 1")
	}

	return nil
}

func validateDatabase(cfg *DatabaseConfig) error {
	validDrivers := []string{"sqlite", "libsql", "postgres"}
	if !contains(validDrivers, cfg.Driver) {
		return fmt.Errorf("database driver must be one of %v, got %s", validDrivers, cfg.Driver)
	}

	if cfg.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}

	if cfg.BusyTimeoutMs < 0 {
		return fmt.Errorf("busy_timeout_ms cannot be negative")
	}

	return nil
}

// ValidateStorage checks a storage section. It is exported because staged
// storage configs are validated by the admin CLI before they are persisted.
func ValidateStorage(cfg *StorageConfig) error {
	validTypes := []string{"local", "s3"}
	if !contains(validTypes, cfg.Type) {
		return fmt.Errorf("storage type must be one of %v, got %s", validTypes, cfg.Type)
	}

	switch strings.ToLower(cfg.Type) {
	case "local":
		if cfg.Path == "" {
			return fmt.Errorf("path is required for local storage")
		}
	case "s3":
		if cfg.Bucket == "" {
			return fmt.Errorf("bucket name is required")
		}
		if cfg.Region == "" && cfg.Endpoint == "" {
			return fmt.Errorf("either region or endpoint must be specified for S3 storage")
		}
		if (cfg.AccessKey == "") != (cfg.SecretKey == "") {
			return fmt.Errorf("access_key and secret_key must be set together")
		}
	}

	if cfg.SignedURLTTLSeconds < 1 {
		return fmt.Errorf("signed_url_ttl_seconds must be at least 1")
	}

	return nil
}

func validateAuth(cfg *AuthConfig) error {
	if len(cfg.SecretKey) < MinSecretKeyLength {
		return fmt.Errorf("secret_key must be at least %d characters", MinSecretKeyLength)
	}

	if cfg.BCryptCost < 4 || cfg.BCryptCost > 31 {
		return fmt.Errorf("bcrypt_cost must be between 4 and 31, got %d", cfg.BCryptCost)
	}

	if cfg.UserSessionHours < 1 || cfg.AdminSessionHours < 1 {
		return fmt.Errorf("session lifetimes must be at least 1 hour")
	}

	if cfg.AdminSessionHours > cfg.UserSessionHours {
		return fmt.Errorf("admin_session_hours (%d) cannot exceed user_session_hours (%d)",
			cfg.AdminSessionHours, cfg.UserSessionHours)
	}

	return nil
}

func validatePublish(cfg *PublishConfig) error {
	if cfg.SessionTTLSeconds < 1 {
		return fmt.Errorf("session_ttl_seconds must be at least 1")
	}

	if cfg.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1")
	}

	if cfg.MaxConcurrentUploads < 1 {
		return fmt.Errorf("max_concurrent_uploads must be at least 1")
	}

	if cfg.EventQueueSize < 1 {
		return fmt.Errorf("event_queue_size must be at least 1")
	}

	return nil
}

func validateDownload(cfg *DownloadConfig) error {
	if cfg.CacheSizeMB < 0 {
		return fmt.Errorf("cache_size_mb cannot be negative")
	}

	if cfg.CacheSizeMB > 0 && cfg.CacheMaxItemKB < 1 {
		return fmt.Errorf("cache_max_item_kb must be at least 1 when the archive cache is enabled")
	}

	return nil
}

func validateMigration(cfg *MigrationConfig) error {
	if cfg.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1")
	}

	if cfg.RateLimitPerSecond < 0 {
		return fmt.Errorf("rate_limit_per_second cannot be negative")
	}

	return nil
}

func validateStartup(cfg *StartupConfig) error {
	if cfg.RetryAttempts < 1 {
		return fmt.Errorf("retry_attempts must be at least 1")
	}

	if cfg.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds cannot be negative")
	}

	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Level) {
		return fmt.Errorf("logging level must be one of %v, got %s", validLevels, cfg.Level)
	}

	validFormats := []string{"text", "json"}
	if !contains(validFormats, cfg.Format) {
		return fmt.Errorf("logging format must be one of %v, got %s", validFormats, cfg.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file", "both"}
	if !contains(validOutputs, cfg.Output) {
		return fmt.Errorf("logging output must be one of %v, got %s", validOutputs, cfg.Output)
	}

	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath == "" {
		return fmt.Errorf("file_path is required when output is 'file' or 'both'")
	}

	return nil
}

func validateTelemetry(cfg *TelemetryConfig) error {
	if cfg.Enabled && !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with /, got %q", cfg.MetricsPath)
	}

	return nil
}

// contains checks if a string slice contains a value
func contains(slice []string, val string) bool {
	val = strings.ToLower(val)
	for _, item := range slice {
		if strings.ToLower(item) == val {
			return true
		}
	}
	return false
}

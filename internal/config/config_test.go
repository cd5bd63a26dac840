package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "local", cfg.Storage.Type)
	assert.Equal(t, 3600, cfg.Storage.SignedURLTTLSeconds)
	assert.Equal(t, 12, cfg.Auth.BCryptCost)
	assert.Equal(t, 7*24*time.Hour, cfg.Auth.GetUserSessionTTL())
	assert.Equal(t, 8*time.Hour, cfg.Auth.GetAdminSessionTTL())
	assert.Equal(t, 10*time.Minute, cfg.Publish.GetSessionTTL())
	assert.Equal(t, int64(100<<20), cfg.Publish.GetMaxUploadBytes())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Download.RequireAuth)

	// Defaults are valid once a secret is supplied
	cfg.Auth.SecretKey = testSecret
	assert.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test.hcl")

	configContent := `
server {
  port     = 9090
  base_url = "https://pub.example.com"
}

database {
  driver = "postgres"
  dsn    = "postgres://pub@localhost/pub?sslmode=disable"
}

storage {
  type     = "s3"
  bucket   = "test-bucket"
  region   = "us-west-2"
}

auth {
  secret_key  = "0123456789abcdef0123456789abcdef"
  bcrypt_cost = 10
}

publish {
  session_ttl_seconds = 120
  max_upload_mb       = 20
}

logging {
  level  = "debug"
  format = "text"
}
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://pub.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "test-bucket", cfg.Storage.Bucket)
	assert.Equal(t, "us-west-2", cfg.Storage.Region)
	assert.Equal(t, 10, cfg.Auth.BCryptCost)
	assert.Equal(t, 2*time.Minute, cfg.Publish.GetSessionTTL())
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Attributes left out keep their defaults
	assert.Equal(t, 3600, cfg.Storage.SignedURLTTLSeconds)
	assert.Equal(t, 4, cfg.Publish.MaxConcurrentUploads)
	assert.Equal(t, 8, cfg.Migration.Concurrency)
}

func TestLoadFromFileEnvFunction(t *testing.T) {
	t.Setenv("PUBREG_TEST_SECRET", testSecret)

	configPath := filepath.Join(t.TempDir(), "env.hcl")
	content := `
auth {
  secret_key = env.PUBREG_TEST_SECRET
}
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, testSecret, cfg.Auth.SecretKey)
}

func TestLoadRejectsUnknownBlock(t *testing.T) {
	t.Setenv("PUBREG_AUTH_SECRET_KEY", testSecret)

	configPath := filepath.Join(t.TempDir(), "bad.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte("providers {\n  enabled = true\n}\n"), 0644))

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config file")
}

func TestLoadRejectsDuplicateBlock(t *testing.T) {
	t.Setenv("PUBREG_AUTH_SECRET_KEY", testSecret)

	configPath := filepath.Join(t.TempDir(), "dup.hcl")
	content := "server {\n  port = 1\n}\nserver {\n  port = 2\n}\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	_, err := Load(configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate server block")
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/config.hcl")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadRequiresSecret(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret_key must be at least")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PUBREG_SERVER_PORT", "3000")
	t.Setenv("PUBREG_DATABASE_DRIVER", "libsql")
	t.Setenv("PUBREG_DATABASE_DSN", "http://127.0.0.1:8081")
	t.Setenv("PUBREG_STORAGE_PATH", "/srv/blobs")
	t.Setenv("PUBREG_AUTH_SECRET_KEY", testSecret)
	t.Setenv("PUBREG_PUBLISH_MAX_UPLOAD_MB", "5")
	t.Setenv("PUBREG_DOWNLOAD_REQUIRE_AUTH", "yes")
	t.Setenv("PUBREG_LOGGING_LEVEL", "error")
	t.Setenv("PUBREG_MIGRATION_CONCURRENCY", "lots")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "libsql", cfg.Database.Driver)
	assert.Equal(t, "http://127.0.0.1:8081", cfg.Database.DSN)
	assert.Equal(t, "/srv/blobs", cfg.Storage.Path)
	assert.Equal(t, 5, cfg.Publish.MaxUploadMB)
	assert.True(t, cfg.Download.RequireAuth)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, 8, cfg.Migration.Concurrency)
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true},
		{"True", true},
		{"yes", true},
		{"1", true},
		{"false", false},
		{"no", false},
		{"0", false},
		{"", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseBool(tt.input))
		})
	}
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "PUBREG_"

// Load reads configuration from a file and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

var sectionSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "server"},
		{Type: "database"},
		{Type: "storage"},
		{Type: "auth"},
		{Type: "publish"},
		{Type: "download"},
		{Type: "migration"},
		{Type: "startup"},
		{Type: "logging"},
		{Type: "telemetry"},
	},
}

// sections maps block types to the struct each one decodes into.
func (c *Config) sections() map[string]interface{} {
	return map[string]interface{}{
		"server":    &c.Server,
		"database":  &c.Database,
		"storage":   &c.Storage,
		"auth":      &c.Auth,
		"publish":   &c.Publish,
		"download":  &c.Download,
		"migration": &c.Migration,
		"startup":   &c.Startup,
		"logging":   &c.Logging,
		"telemetry": &c.Telemetry,
	}
}

// loadFromFile parses an HCL configuration file. Every block is optional and
// attributes left out of a block keep their default values.
func loadFromFile(path string, cfg *Config) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", path)
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file: %s", diags.Error())
	}

	content, diags := file.Body.Content(sectionSchema)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL: %s", diags.Error())
	}

	ctx := evalContext()
	targets := cfg.sections()
	seen := make(map[string]bool)
	for _, block := range content.Blocks {
		if seen[block.Type] {
			return fmt.Errorf("duplicate %s block at %s", block.Type, block.DefRange)
		}
		seen[block.Type] = true

		diags = gohcl.DecodeBody(block.Body, ctx, targets[block.Type])
		if diags.HasErrors() {
			return fmt.Errorf("failed to decode HCL: %s", diags.Error())
		}
	}

	return nil
}

// evalContext exposes the process environment as env.<NAME> so secrets can
// be referenced instead of written into the file.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || name == "" {
			continue
		}
		vars[name] = cty.StringVal(value)
	}

	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

// applyEnvOverrides applies environment variable overrides with PUBREG_ prefix
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	envInt("SERVER_PORT", &cfg.Server.Port)
	envString("SERVER_BASE_URL", &cfg.Server.BaseURL)
	envBool("SERVER_TLS_ENABLED", &cfg.Server.TLSEnabled)
	envString("SERVER_TLS_CERT_PATH", &cfg.Server.TLSCertPath)
	envString("SERVER_TLS_KEY_PATH", &cfg.Server.TLSKeyPath)
	envBool("SERVER_BEHIND_PROXY", &cfg.Server.BehindProxy)
	if val := os.Getenv(EnvPrefix + "SERVER_CORS_ORIGINS"); val != "" {
		cfg.Server.CORSOrigins = splitList(val)
	}

	// Database configuration
	envString("DATABASE_DRIVER", &cfg.Database.Driver)
	envString("DATABASE_DSN", &cfg.Database.DSN)
	envInt("DATABASE_BUSY_TIMEOUT_MS", &cfg.Database.BusyTimeoutMs)

	// Storage configuration
	envString("STORAGE_TYPE", &cfg.Storage.Type)
	envString("STORAGE_PATH", &cfg.Storage.Path)
	envString("STORAGE_BUCKET", &cfg.Storage.Bucket)
	envString("STORAGE_REGION", &cfg.Storage.Region)
	envString("STORAGE_ENDPOINT", &cfg.Storage.Endpoint)
	envString("STORAGE_ACCESS_KEY", &cfg.Storage.AccessKey)
	envString("STORAGE_SECRET_KEY", &cfg.Storage.SecretKey)
	envBool("STORAGE_FORCE_PATH_STYLE", &cfg.Storage.ForcePathStyle)
	envInt("STORAGE_SIGNED_URL_TTL_SECONDS", &cfg.Storage.SignedURLTTLSeconds)

	// Auth configuration
	envString("AUTH_SECRET_KEY", &cfg.Auth.SecretKey)
	envInt("AUTH_BCRYPT_COST", &cfg.Auth.BCryptCost)
	envInt("AUTH_USER_SESSION_HOURS", &cfg.Auth.UserSessionHours)
	envInt("AUTH_ADMIN_SESSION_HOURS", &cfg.Auth.AdminSessionHours)
	envBool("AUTH_SECURE_COOKIES", &cfg.Auth.SecureCookies)

	// Publish configuration
	envInt("PUBLISH_SESSION_TTL_SECONDS", &cfg.Publish.SessionTTLSeconds)
	envInt("PUBLISH_MAX_UPLOAD_MB", &cfg.Publish.MaxUploadMB)
	envInt("PUBLISH_MAX_CONCURRENT_UPLOADS", &cfg.Publish.MaxConcurrentUploads)
	envString("PUBLISH_TEMP_DIR", &cfg.Publish.TempDir)

	// Download configuration
	envBool("DOWNLOAD_REQUIRE_AUTH", &cfg.Download.RequireAuth)
	envBool("DOWNLOAD_REDIRECT_TO_SIGNED_URL", &cfg.Download.RedirectToSignedURL)
	envInt("DOWNLOAD_CACHE_SIZE_MB", &cfg.Download.CacheSizeMB)
	envInt("DOWNLOAD_CACHE_MAX_ITEM_KB", &cfg.Download.CacheMaxItemKB)

	// Migration configuration
	envInt("MIGRATION_CONCURRENCY", &cfg.Migration.Concurrency)
	envInt("MIGRATION_RATE_LIMIT_PER_SECOND", &cfg.Migration.RateLimitPerSecond)

	// Startup configuration
	envInt("STARTUP_RETRY_ATTEMPTS", &cfg.Startup.RetryAttempts)
	envInt("STARTUP_RETRY_DELAY_SECONDS", &cfg.Startup.RetryDelaySeconds)

	// Logging configuration
	envString("LOGGING_LEVEL", &cfg.Logging.Level)
	envString("LOGGING_FORMAT", &cfg.Logging.Format)
	envString("LOGGING_OUTPUT", &cfg.Logging.Output)
	envString("LOGGING_FILE_PATH", &cfg.Logging.FilePath)

	// Telemetry configuration
	envBool("TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
}

func envString(name string, dst *string) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = val
	}
}

func envInt(name string, dst *int) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if val := os.Getenv(EnvPrefix + name); val != "" {
		*dst = parseBool(val)
	}
}

// splitList splits a comma-separated value, dropping empty items
func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseBool parses a boolean value from string (supports: true/false, yes/no, 1/0)
func parseBool(val string) bool {
	val = strings.ToLower(strings.TrimSpace(val))
	return val == "true" || val == "yes" || val == "1"
}

package storage

import (
	"fmt"
	"strings"

	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
)

// SecretBox seals and opens credentials persisted in the catalog
type SecretBox interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// SettingsFromConfig converts a storage config section into a catalog slot
// row. The secret access key is sealed before it leaves memory.
func SettingsFromConfig(slot string, cfg *config.StorageConfig, box SecretBox) (*database.StorageSettings, error) {
	typ := strings.ToLower(cfg.Type)
	switch typ {
	case "local":
		if cfg.Path == "" {
			return nil, fmt.Errorf("local storage requires a path")
		}
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("s3 storage requires a bucket")
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: s3, local)", cfg.Type)
	}

	s := &database.StorageSettings{
		Slot:           slot,
		Type:           typ,
		Path:           database.NullString(cfg.Path),
		Endpoint:       database.NullString(cfg.Endpoint),
		Bucket:         database.NullString(cfg.Bucket),
		Region:         database.NullString(cfg.Region),
		AccessKey:      database.NullString(cfg.AccessKey),
		ForcePathStyle: cfg.ForcePathStyle,
	}
	if cfg.SecretKey != "" {
		sealed, err := box.Seal(cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to seal secret key: %w", err)
		}
		s.SecretKeySealed = database.NullString(sealed)
	}
	return s, nil
}

// ConfigFromSettings overlays a catalog slot row onto base. Timeouts and URL
// lifetimes stay as configured in base.
func ConfigFromSettings(base config.StorageConfig, s *database.StorageSettings, box SecretBox) (*config.StorageConfig, error) {
	cfg := base
	cfg.Type = s.Type
	cfg.Path = s.Path.String
	cfg.Endpoint = s.Endpoint.String
	cfg.Bucket = s.Bucket.String
	cfg.Region = s.Region.String
	cfg.AccessKey = s.AccessKey.String
	cfg.ForcePathStyle = s.ForcePathStyle
	cfg.SecretKey = ""

	if s.SecretKeySealed.Valid && s.SecretKeySealed.String != "" {
		secret, err := box.Open(s.SecretKeySealed.String)
		if err != nil {
			return nil, fmt.Errorf("failed to open sealed secret key: %w", err)
		}
		cfg.SecretKey = secret
	}
	return &cfg, nil
}

// Describe summarizes a storage config for logs and prompts, without secrets
func Describe(cfg *config.StorageConfig) string {
	switch strings.ToLower(cfg.Type) {
	case "local":
		return "local:" + cfg.Path
	case "s3":
		if cfg.Endpoint != "" {
			return fmt.Sprintf("s3://%s (%s)", cfg.Bucket, cfg.Endpoint)
		}
		return fmt.Sprintf("s3://%s (%s)", cfg.Bucket, cfg.Region)
	}
	return cfg.Type
}

package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
)

// reverseBox is a reversible stand-in for the keyring
type reverseBox struct{}

func (reverseBox) Seal(s string) (string, error) { return "sealed:" + reverse(s), nil }

func (reverseBox) Open(s string) (string, error) {
	return reverse(strings.TrimPrefix(s, "sealed:")), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func TestSettingsRoundTrip(t *testing.T) {
	cfg := &config.StorageConfig{
		Type:                "S3",
		Bucket:              "packages",
		Region:              "eu-west-1",
		Endpoint:            "http://minio:9000",
		AccessKey:           "AKIA",
		SecretKey:           "shh",
		ForcePathStyle:      true,
		SignedURLTTLSeconds: 60,
	}

	s, err := SettingsFromConfig(database.SlotPending, cfg, reverseBox{})
	require.NoError(t, err)
	assert.Equal(t, "s3", s.Type)
	assert.Equal(t, "sealed:hhs", s.SecretKeySealed.String)
	assert.NotContains(t, s.SecretKeySealed.String, "shh")

	base := config.StorageConfig{SignedURLTTLSeconds: 900, RequestTimeoutSeconds: 30}
	got, err := ConfigFromSettings(base, s, reverseBox{})
	require.NoError(t, err)
	assert.Equal(t, "s3", got.Type)
	assert.Equal(t, "packages", got.Bucket)
	assert.Equal(t, "shh", got.SecretKey)
	assert.True(t, got.ForcePathStyle)
	assert.Equal(t, 900, got.SignedURLTTLSeconds)
	assert.Equal(t, 30, got.RequestTimeoutSeconds)
}

func TestSettingsFromConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.StorageConfig
	}{
		{"local without path", config.StorageConfig{Type: "local"}},
		{"s3 without bucket", config.StorageConfig{Type: "s3"}},
		{"unknown type", config.StorageConfig{Type: "gcs", Bucket: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SettingsFromConfig(database.SlotPending, &tt.cfg, reverseBox{})
			assert.Error(t, err)
		})
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "local:/data/blobs", Describe(&config.StorageConfig{Type: "local", Path: "/data/blobs"}))
	assert.Equal(t, "s3://b (us-east-1)", Describe(&config.StorageConfig{Type: "s3", Bucket: "b", Region: "us-east-1"}))
}

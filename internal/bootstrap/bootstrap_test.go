package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "catalog.db"), BusyTimeoutMs: 5000}
	cfg.Storage.Path = filepath.Join(dir, "blobs")
	cfg.Auth.SecretKey = "bootstrap-test-secret-0123456789abcdef"
	cfg.Startup = config.StartupConfig{RetryAttempts: 1, RetryDelaySeconds: 1}
	return cfg
}

func TestResolveStoragePrefersActiveSlot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	log := zaptest.NewLogger(t)

	db, err := OpenDatabase(ctx, cfg, log)
	require.NoError(t, err)
	defer db.Close()
	store := database.NewStore(db)
	keys, err := auth.NewKeyring(cfg.Auth.SecretKey)
	require.NoError(t, err)

	scfg, fromCatalog, err := ResolveStorage(ctx, cfg, store, keys)
	require.NoError(t, err)
	assert.False(t, fromCatalog)
	assert.Equal(t, cfg.Storage.Path, scfg.Path)

	moved := filepath.Join(t.TempDir(), "moved")
	settings, err := storage.SettingsFromConfig(database.SlotPending, &config.StorageConfig{Type: "local", Path: moved}, keys)
	require.NoError(t, err)
	require.NoError(t, store.StorageConfig.Put(ctx, settings))
	ok, err := store.StorageConfig.Activate(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	scfg, fromCatalog, err = ResolveStorage(ctx, cfg, store, keys)
	require.NoError(t, err)
	assert.True(t, fromCatalog)
	assert.Equal(t, moved, scfg.Path)
	assert.Equal(t, cfg.Storage.SignedURLTTLSeconds, scfg.SignedURLTTLSeconds)

	blobs, err := OpenStorage(ctx, cfg, scfg, storage.Options{}, log)
	require.NoError(t, err)
	defer blobs.Close()
	assert.Equal(t, "local", blobs.Kind())
}

func TestOpenStorageRejectsUnknownType(t *testing.T) {
	cfg := testConfig(t)
	_, err := OpenStorage(context.Background(), cfg, &config.StorageConfig{Type: "ftp"}, storage.Options{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

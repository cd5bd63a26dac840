package main

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/storage"
)

func testEnv(t *testing.T, input string) (*adminEnv, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "catalog.db"), BusyTimeoutMs: 5000}
	cfg.Storage = config.StorageConfig{Type: "local", Path: filepath.Join(dir, "blobs"), RequestTimeoutSeconds: 5}
	cfg.Auth.SecretKey = "admin-cli-test-secret-0123456789abcdef"
	cfg.Auth.BCryptCost = 4
	cfg.Startup = config.StartupConfig{RetryAttempts: 0, RetryDelaySeconds: 1}
	cfg.Migration.Concurrency = 2

	out := &bytes.Buffer{}
	e, err := newEnv(context.Background(), cfg, zaptest.NewLogger(t), out, strings.NewReader(input), input == "")
	require.NoError(t, err)
	t.Cleanup(func() { e.db.Close() })
	return e, out
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"\n", false},
		{"maybe\n", false},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.input), func(t *testing.T) {
			e, out := testEnv(t, tt.input)
			assert.Equal(t, tt.want, e.confirm("Proceed with %s?", "it"))
			assert.Contains(t, out.String(), "Proceed with it? [y/N]")
		})
	}
}

func TestAccounts(t *testing.T) {
	ctx := context.Background()
	e, out := testEnv(t, "")

	require.NoError(t, createAccount(ctx, e, userAccounts, "alice", "s3cret-pass", false))
	assert.Contains(t, out.String(), `Created user "alice"`)

	err := createAccount(ctx, e, userAccounts, "alice", "other", false)
	assert.ErrorContains(t, err, "already exists")
	assert.Error(t, createAccount(ctx, e, userAccounts, "bob", "", false))
	assert.Error(t, createAccount(ctx, e, userAccounts, "bob", "pw", true))

	// Users and admins live in separate tables
	admin, err := e.store.Admins.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, admin)

	out.Reset()
	require.NoError(t, createAccount(ctx, e, adminAccounts, "root", "", true))
	assert.Contains(t, out.String(), "Password: ")

	require.NoError(t, resetPassword(ctx, e, userAccounts, "alice", "new-pass"))
	require.NoError(t, verifyPassword(ctx, e, userAccounts, "alice", "new-pass"))
	assert.Error(t, verifyPassword(ctx, e, userAccounts, "alice", "s3cret-pass"))
	assert.ErrorContains(t, resetPassword(ctx, e, userAccounts, "nobody", "x"), "not found")

	require.NoError(t, setAccountActive(ctx, e, userAccounts, "alice", false))
	u, err := e.store.Users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, u.IsActive)

	out.Reset()
	require.NoError(t, listAccounts(ctx, e, userAccounts))
	assert.Contains(t, out.String(), "USERNAME")
	assert.Contains(t, out.String(), "alice")
	assert.Contains(t, out.String(), "false")
}

func TestDisableAccountDeclined(t *testing.T) {
	ctx := context.Background()
	e, _ := testEnv(t, "n\n")
	e.yes = true
	require.NoError(t, createAccount(ctx, e, userAccounts, "alice", "pw", false))
	e.yes = false

	err := setAccountActive(ctx, e, userAccounts, "alice", false)
	assert.ErrorIs(t, err, errAborted)
	u, err := e.store.Users.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, u.IsActive)
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	e, out := testEnv(t, "")
	require.NoError(t, createAccount(ctx, e, userAccounts, "alice", "pw", false))

	out.Reset()
	require.NoError(t, createToken(ctx, e, "alice", "ci", []string{auth.ScopeAdmin, auth.ScopeReadAll}, 30))

	var secret string
	for _, line := range strings.Split(out.String(), "\n") {
		if s, ok := strings.CutPrefix(strings.TrimSpace(line), "Token: "); ok {
			secret = s
		}
	}
	require.True(t, strings.HasPrefix(secret, auth.TokenPrefix), "output: %s", out.String())

	stored, err := e.store.Tokens.GetByHash(ctx, auth.HashToken(secret))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.ElementsMatch(t, []string{auth.ScopeAdmin, auth.ScopeReadAll}, auth.ParseScopes(stored.Scopes))
	assert.True(t, stored.ExpiresAt.Valid)

	assert.ErrorContains(t, createToken(ctx, e, "alice", "ci", []string{auth.ScopePublishAll}, 0), "already has a token")
	assert.Error(t, createToken(ctx, e, "alice", "bad", []string{"write:everything"}, 0))
	assert.Error(t, createToken(ctx, e, "alice", "neg", []string{auth.ScopePublishAll}, -1))
	assert.Error(t, createToken(ctx, e, "nobody", "x", []string{auth.ScopePublishAll}, 0))

	out.Reset()
	require.NoError(t, listTokens(ctx, e, "alice"))
	assert.Contains(t, out.String(), "ci")
	assert.NotContains(t, out.String(), secret)

	require.NoError(t, revokeToken(ctx, e, "alice", "ci"))
	stored, err = e.store.Tokens.GetByHash(ctx, auth.HashToken(secret))
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.ErrorContains(t, revokeToken(ctx, e, "alice", "ci"), "no token")
}

// seedArchive catalogues one version and writes its archive to blobs
func seedArchive(t *testing.T, e *adminEnv, blobs storage.BlobStore, name, version string, body []byte) string {
	t.Helper()
	ctx := context.Background()
	u := &database.User{Username: "publisher-" + name, PasswordHash: "x", IsActive: true}
	require.NoError(t, e.store.Users.Create(ctx, u))

	d := digest.FromBytes(body)
	key, err := storage.PublishedKey(name, version, d)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, key, bytes.NewReader(body), storage.PutOptions{Size: int64(len(body)), Digest: d}))

	sessionID := "seed-" + name
	require.NoError(t, e.store.UploadSessions.Create(ctx, &database.UploadSession{
		ID:        sessionID,
		UserID:    u.ID,
		TokenHash: "h",
		ExpiresAt: time.Now().Add(time.Hour),
	}))
	require.NoError(t, e.store.PublishVersion(ctx, sessionID, &database.PackageVersion{
		PackageName:   name,
		Version:       version,
		Pubspec:       `{"name":"` + name + `","version":"` + version + `"}`,
		ArchiveKey:    key,
		ArchiveSHA256: d.Encoded(),
		ArchiveSize:   int64(len(body)),
		PublishedBy:   sql.NullInt64{Int64: u.ID, Valid: true},
	}))
	return key
}

func TestStorageMigrationWorkflow(t *testing.T) {
	ctx := context.Background()
	e, out := testEnv(t, "")

	source, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: e.cfg.Storage.Path})
	require.NoError(t, err)
	keys := []string{
		seedArchive(t, e, source, "alpha", "1.0.0", []byte("alpha archive")),
		seedArchive(t, e, source, "beta", "2.1.0", []byte("beta archive")),
	}

	err = migrateStorage(ctx, e, false, true)
	assert.ErrorContains(t, err, "no pending storage")

	targetPath := filepath.Join(t.TempDir(), "target")
	assert.Error(t, stageStorage(ctx, e, &config.StorageConfig{Type: "local", Path: e.cfg.Storage.Path}))

	require.NoError(t, stageStorage(ctx, e, &config.StorageConfig{Type: "local", Path: targetPath}))

	out.Reset()
	require.NoError(t, showStorage(ctx, e))
	assert.Contains(t, out.String(), "from config file")
	assert.Contains(t, out.String(), "local:"+targetPath)

	out.Reset()
	require.NoError(t, previewStorage(ctx, e))
	assert.Contains(t, out.String(), "To copy:              2")

	assert.Error(t, verifyStorage(ctx, e))
	assert.ErrorContains(t, activateStorage(ctx, e, false), "refusing to activate")

	require.NoError(t, migrateStorage(ctx, e, false, false))
	out.Reset()
	require.NoError(t, migrateStorage(ctx, e, false, true))
	assert.Contains(t, out.String(), "Copied 0, skipped 2")

	target, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: targetPath})
	require.NoError(t, err)
	for _, key := range keys {
		ok, err := target.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}

	require.NoError(t, activateStorage(ctx, e, false))

	out.Reset()
	require.NoError(t, showStorage(ctx, e))
	assert.Contains(t, out.String(), "Active:  local:"+targetPath+" (from catalog)")
	assert.Contains(t, out.String(), "Pending: none")

	pending, err := e.store.StorageConfig.Get(ctx, database.SlotPending)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestDiscardStorage(t *testing.T) {
	ctx := context.Background()
	e, out := testEnv(t, "")

	require.NoError(t, discardStorage(ctx, e))
	assert.Contains(t, out.String(), "Nothing staged")

	require.NoError(t, stageStorage(ctx, e, &config.StorageConfig{Type: "local", Path: filepath.Join(t.TempDir(), "next")}))
	require.NoError(t, discardStorage(ctx, e))

	pending, err := e.store.StorageConfig.Get(ctx, database.SlotPending)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3*1024*1024))
}

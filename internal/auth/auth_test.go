package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setupTestStore(t *testing.T) *database.Store {
	t.Helper()
	db, err := database.New(context.Background(), &config.DatabaseConfig{
		Driver:        "sqlite",
		DSN:           filepath.Join(t.TempDir(), "auth.db"),
		BusyTimeoutMs: 5000,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return database.NewStore(db)
}

func testKeyring(t *testing.T) *Keyring {
	t.Helper()
	k, err := NewKeyring(testSecret)
	require.NoError(t, err)
	return k
}

//go:build integration

package database

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/config"
)

// Run: go test -v -tags=integration ./internal/database/...

func startPostgres(t *testing.T) *DB {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "pub",
				"POSTGRES_PASSWORD": "pub",
				"POSTGRES_DB":       "pub",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	db, err := New(ctx, &config.DatabaseConfig{
		Driver: "postgres",
		DSN:    fmt.Sprintf("postgres://pub:pub@%s:%s/pub?sslmode=disable", host, port.Port()),
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgres_PublishRoundTrip(t *testing.T) {
	db := startPostgres(t)
	store := NewStore(db)
	ctx := context.Background()
	assert.Equal(t, DialectPostgres, db.Dialect())

	user := createTestUser(t, db, "alice")
	publishTestVersion(t, store, user.ID, "pg_pkg", "1.0.0")

	v, err := store.Versions.Get(ctx, "pg_pkg", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "abc", v.ArchiveSHA256)

	found, err := store.Packages.Search(ctx, "PG_", 10, 0)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	ok, err := store.Versions.SetRetracted(ctx, "pg_pkg", "1.0.0", true, "bad")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.StorageConfig.Put(ctx, &StorageSettings{Slot: SlotPending, Type: "local", Path: NullString("/blobs")}))
	promoted, err := store.StorageConfig.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, promoted)
}

func TestPostgres_ConcurrentPublish(t *testing.T) {
	db := startPostgres(t)
	store := NewStore(db)
	ctx := context.Background()
	user := createTestUser(t, db, "alice")

	const n = 6
	for i := 0; i < n; i++ {
		require.NoError(t, store.UploadSessions.Create(ctx, &UploadSession{
			ID: fmt.Sprintf("pg%d", i), UserID: user.ID, TokenHash: "h", ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.PublishVersion(ctx, fmt.Sprintf("pg%d", i), newVersion("pgrace", "1.0.0", user.ID))
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, apperr.Conflict.Has(err), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)
}

package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ned1313/pub-registry/internal/apperr"
)

func newVersion(name, version string, userID int64) *PackageVersion {
	return &PackageVersion{
		PackageName:   name,
		Version:       version,
		Pubspec:       "{}",
		ArchiveKey:    fmt.Sprintf("published/%s/%s/abc.tar.gz", name, version),
		ArchiveSHA256: "abc",
		ArchiveSize:   3,
		PublishedBy:   sql.NullInt64{Int64: userID, Valid: userID != 0},
	}
}

func TestPublishVersion_ConcurrentSameVersion(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	user := createTestUser(t, db, "alice")

	const n = 8
	for i := 0; i < n; i++ {
		require.NoError(t, store.UploadSessions.Create(ctx, &UploadSession{
			ID:        fmt.Sprintf("s%d", i),
			UserID:    user.ID,
			TokenHash: "h",
			ExpiresAt: time.Now().Add(time.Hour),
		}))
	}

	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.PublishVersion(ctx, fmt.Sprintf("s%d", i), newVersion("race", "1.0.0", user.ID))
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Conflict.Has(err):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, conflicts)

	versions, err := store.Versions.ListByPackage(ctx, "race")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestPublishVersion_Duplicate(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	user := createTestUser(t, db, "alice")
	publishTestVersion(t, store, user.ID, "dup", "1.0.0")

	require.NoError(t, store.UploadSessions.Create(ctx, &UploadSession{ID: "again", UserID: user.ID, TokenHash: "h", ExpiresAt: time.Now().Add(time.Hour)}))
	err := store.PublishVersion(ctx, "again", newVersion("dup", "1.0.0", user.ID))
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeDuplicateVersion))

	// The failed attempt leaves the session open
	s, err := store.UploadSessions.Get(ctx, "again")
	require.NoError(t, err)
	assert.False(t, s.Completed)
}

func TestPublishVersion_SessionCompletesOnce(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	user := createTestUser(t, db, "alice")

	require.NoError(t, store.UploadSessions.Create(ctx, &UploadSession{ID: "once", UserID: user.ID, TokenHash: "h", ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, store.PublishVersion(ctx, "once", newVersion("p", "1.0.0", user.ID)))

	err := store.PublishVersion(ctx, "once", newVersion("p", "1.0.1", user.ID))
	require.Error(t, err)
	assert.True(t, apperr.Conflict.Has(err))

	// Rolled back with the session update
	v, err := store.Versions.Get(ctx, "p", "1.0.1")
	require.NoError(t, err)
	assert.Nil(t, v)

	s, err := store.UploadSessions.Get(ctx, "once")
	require.NoError(t, err)
	assert.True(t, s.Completed)
	assert.True(t, s.CompletedAt.Valid)
}

func TestPublishVersion_ClaimsUnownedPackage(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")

	require.NoError(t, store.Packages.Create(ctx, &Package{Name: "orphan"}))

	publishTestVersion(t, store, alice.ID, "orphan", "1.0.0")
	pkg, err := store.Packages.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, pkg.OwnerID.Int64)

	publishTestVersion(t, store, bob.ID, "orphan", "1.1.0")
	pkg, err = store.Packages.Get(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, alice.ID, pkg.OwnerID.Int64)
}

func TestStats(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, *st)

	user := createTestUser(t, db, "alice")
	publishTestVersion(t, store, user.ID, "a", "1.0.0")
	publishTestVersion(t, store, user.ID, "a", "1.1.0")
	require.NoError(t, store.Tokens.Create(ctx, &AuthToken{TokenHash: "h", UserID: user.ID, Label: "l", Scopes: "read:all"}))

	st, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Packages)
	assert.Equal(t, int64(2), st.Versions)
	assert.Equal(t, int64(1), st.Users)
	assert.Equal(t, int64(1), st.Tokens)
	assert.Equal(t, int64(84), st.ArchiveBytes)
}

func TestLatest(t *testing.T) {
	mk := func(v string, retracted bool) *PackageVersion {
		return &PackageVersion{Version: v, IsRetracted: retracted}
	}

	tests := []struct {
		name     string
		versions []*PackageVersion
		want     string
	}{
		{"empty", nil, ""},
		{"stable wins over newer prerelease", []*PackageVersion{mk("1.0.0", false), mk("2.0.0-dev", false)}, "1.0.0"},
		{"retracted skipped", []*PackageVersion{mk("1.0.0", false), mk("1.1.0", true)}, "1.0.0"},
		{"prerelease only", []*PackageVersion{mk("1.0.0-a", false), mk("1.0.0-b", false)}, "1.0.0-b"},
		{"all retracted", []*PackageVersion{mk("1.0.0", true), mk("0.9.0", true)}, "1.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Latest(tt.versions)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Version)
		})
	}
}

package storage

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "published/foo/1.0.0/a.tar.gz", strings.NewReader("a"), PutOptions{Digest: digest.FromString("a")}))
	require.NoError(t, store.Put(ctx, "cached/foo/1.0.0.tar.gz", strings.NewReader("b"), PutOptions{}))

	rc, err := store.Get(ctx, "published/foo/1.0.0/a.tar.gz")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "a", string(data))

	keys, err := store.List(ctx, CachedPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"cached/foo/1.0.0.tar.gz"}, keys)

	u, err := store.SignedURL(ctx, "cached/foo/1.0.0.tar.gz", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, u, "ttl=3600")

	require.NoError(t, store.Delete(ctx, "cached/foo/1.0.0.tar.gz"))
	_, err = store.Get(ctx, "cached/foo/1.0.0.tar.gz")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Put(ctx, "published/x", strings.NewReader("x"), PutOptions{Digest: digest.FromString("y")})
	assert.ErrorIs(t, err, ErrDigestMismatch)
	assert.Equal(t, 1, store.Len())
}

func TestCopyVerifiesDigest(t *testing.T) {
	src := NewMemoryStorage()
	dst := NewMemoryStorage()
	ctx := context.Background()

	src.SetData("published/foo/1.0.0/a.tar.gz", []byte("good"))

	err := Copy(ctx, dst, "published/foo/1.0.0/a.tar.gz", src, "published/foo/1.0.0/a.tar.gz", digest.FromString("good"), 4)
	require.NoError(t, err)
	got, ok := dst.GetData("published/foo/1.0.0/a.tar.gz")
	require.True(t, ok)
	assert.Equal(t, "good", string(got))

	// Corrupted source content never lands in the target
	src.SetData("published/foo/2.0.0/b.tar.gz", []byte("rotten"))
	err = Copy(ctx, dst, "published/foo/2.0.0/b.tar.gz", src, "published/foo/2.0.0/b.tar.gz", digest.FromString("fresh"), 0)
	assert.ErrorIs(t, err, ErrDigestMismatch)
	_, ok = dst.GetData("published/foo/2.0.0/b.tar.gz")
	assert.False(t, ok)

	err = Copy(ctx, dst, "published/x", src, "published/missing", digest.FromString("x"), 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDigestHelpers(t *testing.T) {
	d, n, err := DigestReader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	assert.Equal(t, digest.FromString("hello"), d)

	parsed, err := ParseSHA256(d.Encoded())
	require.NoError(t, err)
	assert.Equal(t, d, parsed)

	_, err = ParseSHA256("zz")
	assert.Error(t, err)

	// sha256("hello") in base64
	b64, err := checksumBase64(d)
	require.NoError(t, err)
	assert.Equal(t, "LPJNul+wow4m6DsqxbninhsWHlwfp0JecwQzYpOLmCQ=", b64)
}

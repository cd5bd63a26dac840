package cache

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ned1313/pub-registry/internal/metrics"
	"github.com/ned1313/pub-registry/internal/storage"
)

// ReadThrough decorates a BlobStore so reads of small published archives are
// served from a MemoryCache. Other keys pass straight through.
type ReadThrough struct {
	storage.BlobStore
	cache   *MemoryCache
	metrics *metrics.Metrics
}

// NewReadThrough wraps store with c. m may be nil.
func NewReadThrough(store storage.BlobStore, c *MemoryCache, m *metrics.Metrics) *ReadThrough {
	return &ReadThrough{BlobStore: store, cache: c, metrics: m}
}

// cacheable reports whether key is a published archive and returns the
// digest its name carries
func cacheable(key string) (string, bool) {
	if !strings.HasPrefix(key, storage.PublishedPrefix) {
		return "", false
	}
	encoded := strings.TrimSuffix(path.Base(key), ".tar.gz")
	return encoded, encoded != path.Base(key)
}

// Get serves key from memory when possible. On a miss the archive is read
// up to the item limit; if it fits and hashes to the digest in its key it
// is cached, otherwise the buffered prefix and the rest are streamed.
func (r *ReadThrough) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	want, ok := cacheable(key)
	if !ok {
		return r.BlobStore.Get(ctx, key)
	}

	if data, hit := r.cache.Get(key); hit {
		r.metrics.RecordArchiveCache(true)
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	r.metrics.RecordArchiveCache(false)

	rc, err := r.BlobStore.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	limit := r.cache.MaxItemSize()
	buf, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		rc.Close()
		return nil, err
	}
	if int64(len(buf)) > limit {
		return &prefixedReader{Reader: io.MultiReader(bytes.NewReader(buf), rc), Closer: rc}, nil
	}
	rc.Close()

	if digest.FromBytes(buf).Encoded() == want {
		_ = r.cache.Set(key, buf)
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// Put invalidates the cached copy of key
func (r *ReadThrough) Put(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) error {
	r.cache.Delete(key)
	return r.BlobStore.Put(ctx, key, body, opts)
}

// Delete invalidates the cached copy of key
func (r *ReadThrough) Delete(ctx context.Context, key string) error {
	r.cache.Delete(key)
	return r.BlobStore.Delete(ctx, key)
}

// Stats returns the underlying cache statistics
func (r *ReadThrough) Stats() Stats {
	return r.cache.Stats()
}

// Close drops every cached archive and closes the wrapped store
func (r *ReadThrough) Close() error {
	r.cache.Clear()
	return r.BlobStore.Close()
}

type prefixedReader struct {
	io.Reader
	io.Closer
}

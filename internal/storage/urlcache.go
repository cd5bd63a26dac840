package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// URLCache decorates a BlobStore and memoizes SignedURL results for half of
// their lifetime, so a memoized URL always has at least ttl/2 left.
type URLCache struct {
	BlobStore
	cache *gocache.Cache
}

// NewURLCache wraps store with a signed-URL memo
func NewURLCache(store BlobStore, cleanupInterval time.Duration) *URLCache {
	return &URLCache{
		BlobStore: store,
		cache:     gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

func urlCacheKey(key string, ttl time.Duration) string {
	return fmt.Sprintf("%s|%d", key, ttl.Milliseconds())
}

// SignedURL returns a memoized URL when one is still fresh
func (c *URLCache) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	cacheKey := urlCacheKey(key, ttl)
	if cached, ok := c.cache.Get(cacheKey); ok {
		if u, ok := cached.(string); ok {
			return u, nil
		}
	}

	u, err := c.BlobStore.SignedURL(ctx, key, ttl)
	if err != nil {
		return "", err
	}

	if memo := ttl / 2; memo > 0 {
		c.cache.Set(cacheKey, u, memo)
	}
	return u, nil
}

// Put invalidates memoized URLs for key
func (c *URLCache) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	c.forget(key)
	return c.BlobStore.Put(ctx, key, r, opts)
}

// Delete invalidates memoized URLs for key
func (c *URLCache) Delete(ctx context.Context, key string) error {
	c.forget(key)
	return c.BlobStore.Delete(ctx, key)
}

// Flush drops every memoized URL
func (c *URLCache) Flush() {
	c.cache.Flush()
}

func (c *URLCache) forget(key string) {
	prefix := key + "|"
	for cacheKey := range c.cache.Items() {
		if strings.HasPrefix(cacheKey, prefix) {
			c.cache.Delete(cacheKey)
		}
	}
}

var _ BlobStore = (*URLCache)(nil)

package cache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func newTestCache(t *testing.T, sizeMB, itemKB int) *MemoryCache {
	t.Helper()
	c, err := NewMemoryCache(MemoryCacheConfig{MaxSizeMB: sizeMB, MaxItemKB: itemKB})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	return c
}

func TestMemoryCache_BasicOperations(t *testing.T) {
	c := newTestCache(t, 1, 64)

	data := []byte("archive bytes")
	if err := c.Set("published/a/1.0.0/x.tar.gz", data); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, found := c.Get("published/a/1.0.0/x.tar.gz")
	if !found {
		t.Fatal("Get returned not found for existing key")
	}
	if !bytes.Equal(got, data) {
		t.Errorf("data mismatch: got %s, want %s", got, data)
	}

	c.Delete("published/a/1.0.0/x.tar.gz")
	if _, found := c.Get("published/a/1.0.0/x.tar.gz"); found {
		t.Error("Get returned found after Delete")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("expected 1 hit and 1 miss, got %+v", stats)
	}
	if stats.ItemCount != 0 || stats.Size != 0 {
		t.Errorf("expected empty cache, got %+v", stats)
	}
}

func TestMemoryCache_RejectsOversizedItems(t *testing.T) {
	c := newTestCache(t, 1, 1)

	if err := c.Set("big", make([]byte, 1025)); err == nil {
		t.Error("expected error for item above the per-item limit")
	}
	if err := c.Set("", []byte("x")); err == nil {
		t.Error("expected error for empty key")
	}
	if err := c.Set("fits", make([]byte, 1024)); err != nil {
		t.Errorf("Set failed for item at the limit: %v", err)
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	// 1MB cache, 512KB items: room for two
	c := newTestCache(t, 1, 512)
	item := make([]byte, 512*1024)

	for _, key := range []string{"a", "b"} {
		if err := c.Set(key, item); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}

	// Touch a so b is least recently used
	if _, found := c.Get("a"); !found {
		t.Fatal("a should be cached")
	}
	if err := c.Set("c", item); err != nil {
		t.Fatalf("Set(c) failed: %v", err)
	}

	if _, found := c.Get("b"); found {
		t.Error("b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, found := c.Get(key); !found {
			t.Errorf("%s should still be cached", key)
		}
	}
	if ev := c.Stats().Evictions; ev != 1 {
		t.Errorf("expected 1 eviction, got %d", ev)
	}
}

func TestMemoryCache_ReplaceKeepsSizeAccurate(t *testing.T) {
	c := newTestCache(t, 1, 64)

	_ = c.Set("k", make([]byte, 100))
	_ = c.Set("k", make([]byte, 40))

	stats := c.Stats()
	if stats.Size != 40 || stats.ItemCount != 1 {
		t.Errorf("expected one 40 byte item, got %+v", stats)
	}

	c.Clear()
	if stats := c.Stats(); stats.Size != 0 || stats.ItemCount != 0 {
		t.Errorf("expected empty cache after Clear, got %+v", stats)
	}
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := newTestCache(t, 1, 16)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%4)
			for j := 0; j < 100; j++ {
				_ = c.Set(key, make([]byte, 1024))
				c.Get(key)
				if j%10 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Size > stats.MaxSize {
		t.Errorf("size %d exceeds max %d", stats.Size, stats.MaxSize)
	}
	if stats.Size != stats.ItemCount*1024 {
		t.Errorf("size %d does not match %d items", stats.Size, stats.ItemCount)
	}
}

func TestStats_Rates(t *testing.T) {
	s := Stats{Hits: 3, Misses: 1, Size: 25, MaxSize: 100}
	if s.HitRate() != 75 {
		t.Errorf("HitRate() = %v, want 75", s.HitRate())
	}
	if s.UsagePercent() != 25 {
		t.Errorf("UsagePercent() = %v, want 25", s.UsagePercent())
	}
	if (Stats{}).HitRate() != 0 {
		t.Error("HitRate() of empty stats should be 0")
	}
}

func TestNewMemoryCache_InvalidConfig(t *testing.T) {
	if _, err := NewMemoryCache(MemoryCacheConfig{MaxSizeMB: 0, MaxItemKB: 1}); err == nil {
		t.Error("expected error for zero size")
	}
	if _, err := NewMemoryCache(MemoryCacheConfig{MaxSizeMB: 1, MaxItemKB: 0}); err == nil {
		t.Error("expected error for zero item size")
	}
}

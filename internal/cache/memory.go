package cache

import (
	"container/list"
	"fmt"
	"sync"
)

// MemoryCache is a size-bounded in-memory LRU of archive bytes
type MemoryCache struct {
	mu sync.Mutex

	items map[string]*list.Element
	// Front is most recently used
	lru *list.List

	maxSize     int64
	maxItemSize int64
	currentSize int64

	stats Stats
}

// MemoryCacheConfig contains configuration for the memory cache
type MemoryCacheConfig struct {
	// MaxSizeMB is the maximum cache size in megabytes
	MaxSizeMB int

	// MaxItemKB is the largest archive the cache will hold
	MaxItemKB int
}

// NewMemoryCache creates a new in-memory LRU cache
func NewMemoryCache(cfg MemoryCacheConfig) (*MemoryCache, error) {
	if cfg.MaxSizeMB <= 0 {
		return nil, fmt.Errorf("max size must be positive")
	}
	if cfg.MaxItemKB <= 0 {
		return nil, fmt.Errorf("max item size must be positive")
	}

	maxSize := int64(cfg.MaxSizeMB) * 1024 * 1024
	maxItem := int64(cfg.MaxItemKB) * 1024
	if maxItem > maxSize {
		maxItem = maxSize
	}

	return &MemoryCache{
		items:       make(map[string]*list.Element),
		lru:         list.New(),
		maxSize:     maxSize,
		maxItemSize: maxItem,
		stats:       Stats{MaxSize: maxSize},
	}, nil
}

// MaxItemSize is the largest value Set accepts, in bytes
func (mc *MemoryCache) MaxItemSize() int64 {
	return mc.maxItemSize
}

// Get returns the cached bytes for key. The slice is shared and must not be
// modified.
func (mc *MemoryCache) Get(key string) ([]byte, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	el, ok := mc.items[key]
	if !ok {
		mc.stats.Misses++
		return nil, false
	}

	mc.lru.MoveToFront(el)
	mc.stats.Hits++
	return el.Value.(*entry).data, true
}

// Set stores data under key, evicting least recently used entries to make
// room. Values larger than MaxItemSize are rejected.
func (mc *MemoryCache) Set(key string, data []byte) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	size := int64(len(data))
	if size > mc.maxItemSize {
		return fmt.Errorf("item size (%d bytes) exceeds limit (%d bytes)", size, mc.maxItemSize)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if el, ok := mc.items[key]; ok {
		mc.removeLocked(el)
	}
	for mc.currentSize+size > mc.maxSize && mc.lru.Len() > 0 {
		mc.removeLocked(mc.lru.Back())
		mc.stats.Evictions++
	}

	mc.items[key] = mc.lru.PushFront(&entry{key: key, data: data})
	mc.currentSize += size
	return nil
}

// Delete removes key if present
func (mc *MemoryCache) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if el, ok := mc.items[key]; ok {
		mc.removeLocked(el)
	}
}

// Clear removes every entry
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.items = make(map[string]*list.Element)
	mc.lru.Init()
	mc.currentSize = 0
}

// Stats returns cache statistics
func (mc *MemoryCache) Stats() Stats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	s := mc.stats
	s.Size = mc.currentSize
	s.ItemCount = int64(len(mc.items))
	return s
}

// removeLocked drops el (must hold lock)
func (mc *MemoryCache) removeLocked(el *list.Element) {
	e := mc.lru.Remove(el).(*entry)
	delete(mc.items, e.key)
	mc.currentSize -= int64(len(e.data))
}

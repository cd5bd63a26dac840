package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage implements BlobStore in memory for tests and tooling
type MemoryStorage struct {
	mu            sync.RWMutex
	data          map[string][]byte
	PresignedBase string // Base URL for signed URLs
}

// NewMemoryStorage creates a new in-memory storage instance
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data:          make(map[string][]byte),
		PresignedBase: "http://memory.invalid/blobs",
	}
}

// Put stores data in memory after verifying it
func (m *MemoryStorage) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	if _, err := CanonicalizeKey(key); err != nil {
		return err
	}

	var buf bytes.Buffer
	c := newCountingDigester()
	if _, err := io.Copy(io.MultiWriter(&buf, c), readerWithContext(ctx, r)); err != nil {
		return err
	}
	if err := c.check(opts); err != nil {
		return err
	}

	m.mu.Lock()
	m.data[key] = buf.Bytes()
	m.mu.Unlock()
	return nil
}

// Get returns stored data
func (m *MemoryStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.data[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists checks if data exists
func (m *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[key]
	return ok, nil
}

// Delete removes data from memory
func (m *MemoryStorage) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// SignedURL returns a fake signed URL
func (m *MemoryStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ok, _ := m.Exists(ctx, key); !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fmt.Sprintf("%s/%s?ttl=%d", m.PresignedBase, key, int(ttl.Seconds())), nil
}

// EnsureReady always succeeds
func (m *MemoryStorage) EnsureReady(ctx context.Context) error {
	return nil
}

// List returns stored keys with prefix
func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Kind returns "memory"
func (m *MemoryStorage) Kind() string {
	return "memory"
}

// Close does nothing for memory storage
func (m *MemoryStorage) Close() error {
	return nil
}

// SetData allows tests to pre-populate storage, bypassing verification
func (m *MemoryStorage) SetData(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
}

// GetData allows tests to inspect stored data
func (m *MemoryStorage) GetData(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[key]
	return data, ok
}

// Len returns the number of stored blobs
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

var _ BlobStore = (*MemoryStorage)(nil)

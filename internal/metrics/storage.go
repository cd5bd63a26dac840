package metrics

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ned1313/pub-registry/internal/storage"
)

// instrumentedStore records every blob operation
type instrumentedStore struct {
	storage.BlobStore
	m *Metrics
}

// InstrumentStore wraps store so each operation is counted and timed.
// A nil *Metrics returns store unchanged.
func (m *Metrics) InstrumentStore(store storage.BlobStore) storage.BlobStore {
	if m == nil {
		return store
	}
	return &instrumentedStore{BlobStore: store, m: m}
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		status = "not_found"
	case errors.Is(err, storage.ErrDigestMismatch):
		status = "digest_mismatch"
	default:
		status = "error"
	}
	s.m.RecordStorageOperation(s.Kind(), op, status, time.Since(start).Seconds())
}

func (s *instrumentedStore) Put(ctx context.Context, key string, r io.Reader, opts storage.PutOptions) error {
	start := time.Now()
	err := s.BlobStore.Put(ctx, key, r, opts)
	s.observe("put", start, err)
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.BlobStore.Get(ctx, key)
	s.observe("get", start, err)
	return rc, err
}

func (s *instrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.BlobStore.Exists(ctx, key)
	s.observe("exists", start, err)
	return ok, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.BlobStore.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

func (s *instrumentedStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()
	u, err := s.BlobStore.SignedURL(ctx, key, ttl)
	s.observe("signed_url", start, err)
	return u, err
}

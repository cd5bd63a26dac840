// Package storage implements the blob store: byte-oriented content storage
// addressed by application-chosen keys, independent of catalog state.
package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
)

var (
	// ErrNotFound is returned when a key has no blob.
	ErrNotFound = errors.New("blob not found")
	// ErrDigestMismatch is returned by Put when the written bytes do not
	// match PutOptions.Digest or PutOptions.Size. Nothing is stored.
	ErrDigestMismatch = errors.New("blob digest mismatch")
	// ErrInvalidKey is returned for keys that fail CanonicalizeKey.
	ErrInvalidKey = errors.New("invalid blob key")
)

// BlobStore defines the operations every storage substrate provides
type BlobStore interface {
	// Put stores the content of r under key, replacing any existing blob.
	// When opts.Digest is set the content is verified before it becomes
	// visible under key.
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error

	// Get returns the blob under key. The caller must close it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether a blob is stored under key
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the blob under key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a time-limited URL granting direct read access to key
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// EnsureReady fails when the configured root or bucket is unusable
	EnsureReady(ctx context.Context) error

	// List returns the keys under prefix. Listings are informational only:
	// the catalog, not the backend, is authoritative for which keys exist.
	List(ctx context.Context, prefix string) ([]string, error)

	// Kind names the backend ("local", "s3", "memory")
	Kind() string

	// Close releases any held resources
	Close() error
}

// PutOptions describes the content handed to Put
type PutOptions struct {
	// Size is the expected length in bytes; zero means unknown
	Size int64
	// Digest is the expected content digest, empty when unknown
	Digest      digest.Digest
	ContentType string
}

// ArchiveContentType is the media type of package archives.
const ArchiveContentType = "application/octet-stream"

// Copy streams the blob at srcKey in src to dstKey in dst, verifying it
// against want. src and dst may be the same store.
func Copy(ctx context.Context, dst BlobStore, dstKey string, src BlobStore, srcKey string, want digest.Digest, size int64) error {
	rc, err := src.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()

	return dst.Put(ctx, dstKey, rc, PutOptions{
		Size:        size,
		Digest:      want,
		ContentType: ArchiveContentType,
	})
}

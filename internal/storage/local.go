package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const tempPrefix = ".tmp-"

// LocalStorage implements BlobStore on the local filesystem
type LocalStorage struct {
	root    string
	baseURL string
	signer  *URLSigner
}

// LocalConfig contains configuration for local filesystem storage
type LocalConfig struct {
	BasePath string // Root directory for blobs
	BaseURL  string // Public base URL used to build signed /blobs/ URLs
	Signer   *URLSigner
}

// NewLocalStorage creates a new local filesystem storage
func NewLocalStorage(cfg LocalConfig) (*LocalStorage, error) {
	if cfg.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	root, err := filepath.Abs(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &LocalStorage{
		root:    root,
		baseURL: cfg.BaseURL,
		signer:  cfg.Signer,
	}, nil
}

// Root returns the absolute storage root
func (l *LocalStorage) Root() string {
	return l.root
}

// resolve maps a key onto a path under the root. The key is canonicalized
// first and the joined path is checked again so nothing escapes the root.
func (l *LocalStorage) resolve(key string) (string, error) {
	canonical, err := CanonicalizeKey(key)
	if err != nil {
		return "", err
	}

	fullPath := filepath.Join(l.root, filepath.FromSlash(canonical))
	rel, err := filepath.Rel(l.root, fullPath)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside storage root", ErrInvalidKey, key)
	}

	return fullPath, nil
}

// Put writes the blob to a temp file next to its destination and renames it
// into place once the content has been verified.
func (l *LocalStorage) Put(ctx context.Context, key string, r io.Reader, opts PutOptions) error {
	fullPath, err := l.resolve(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	c := newCountingDigester()
	if _, err := io.Copy(io.MultiWriter(tmp, c), readerWithContext(ctx, r)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := c.check(opts); err != nil {
		return err
	}

	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	committed = true

	return nil
}

// Get opens the blob. The returned value is an *os.File, so callers may
// seek it.
func (l *LocalStorage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := l.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	return file, nil
}

// Exists checks if a blob exists in local storage
func (l *LocalStorage) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := l.resolve(key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return info.Mode().IsRegular(), nil
}

// Delete removes a blob from local storage
func (l *LocalStorage) Delete(ctx context.Context, key string) error {
	fullPath, err := l.resolve(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}

	return nil
}

// SignedURL returns an HMAC-signed URL served by the /blobs/ endpoint
func (l *LocalStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if l.signer == nil || l.baseURL == "" {
		return "", fmt.Errorf("local storage has no URL signer configured")
	}

	ok, err := l.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	return l.signer.URL(l.baseURL, key, ttl), nil
}

// EnsureReady checks that the root exists and is writable
func (l *LocalStorage) EnsureReady(ctx context.Context) error {
	if err := os.MkdirAll(l.root, 0755); err != nil {
		return fmt.Errorf("storage root %s is not usable: %w", l.root, err)
	}

	probe, err := os.CreateTemp(l.root, tempPrefix+"probe-*")
	if err != nil {
		return fmt.Errorf("storage root %s is not writable: %w", l.root, err)
	}
	name := probe.Name()
	probe.Close()

	return os.Remove(name)
}

// List lists blob keys with a given prefix
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := canonicalPrefix(prefix)
	if err != nil {
		return nil, err
	}

	var keys []string
	err = filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}

		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Kind returns "local"
func (l *LocalStorage) Kind() string {
	return "local"
}

// Close closes any open connections (no-op for local storage)
func (l *LocalStorage) Close() error {
	return nil
}

// readerWithContext stops a copy once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return readerFunc(func(p []byte) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return r.Read(p)
	})
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}

var _ BlobStore = (*LocalStorage)(nil)

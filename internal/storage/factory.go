package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ned1313/pub-registry/internal/config"
)

// Options carries the process-level collaborators a backend may need
type Options struct {
	// BaseURL is the public server URL, used by local storage to build
	// signed /blobs/ URLs
	BaseURL string
	Signer  *URLSigner
	TempDir string
	// MemoizeURLs wraps the store in a URLCache
	MemoizeURLs bool
}

// NewFromConfig creates a blob store from a storage config section
func NewFromConfig(ctx context.Context, cfg *config.StorageConfig, opts Options) (BlobStore, error) {
	var (
		store BlobStore
		err   error
	)

	switch strings.ToLower(cfg.Type) {
	case "s3":
		store, err = NewS3Storage(ctx, S3Config{
			Region:         cfg.Region,
			Bucket:         cfg.Bucket,
			Endpoint:       cfg.Endpoint,
			AccessKey:      cfg.AccessKey,
			SecretKey:      cfg.SecretKey,
			ForcePathStyle: cfg.ForcePathStyle,
			Timeout:        cfg.GetRequestTimeout(),
			TempDir:        opts.TempDir,
		})
	case "local":
		store, err = NewLocalStorage(LocalConfig{
			BasePath: cfg.Path,
			BaseURL:  opts.BaseURL,
			Signer:   opts.Signer,
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (supported: s3, local)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if opts.MemoizeURLs {
		store = NewURLCache(store, 10*time.Minute)
	}
	return store, nil
}

// Package bootstrap opens the catalog and blob store the way both the server
// and the operator CLI need them.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/storage"
)

// retry runs op with the configured constant backoff
func retry(ctx context.Context, cfg *config.StartupConfig, log *zap.Logger, what string, op func() error) error {
	attempts := cfg.RetryAttempts
	if attempts < 0 {
		attempts = 0
	}
	delay := time.Duration(cfg.RetryDelaySeconds) * time.Second
	if delay <= 0 {
		delay = time.Second
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts)), ctx)
	return backoff.RetryNotify(op, b, func(err error, next time.Duration) {
		log.Warn("backend not ready, retrying",
			zap.String("backend", what),
			zap.Duration("in", next),
			zap.Error(err))
	})
}

// OpenDatabase opens and migrates the catalog, retrying while it is unreachable
func OpenDatabase(ctx context.Context, cfg *config.Config, log *zap.Logger) (*database.DB, error) {
	var db *database.DB
	err := retry(ctx, &cfg.Startup, log, "database", func() error {
		var err error
		db, err = database.New(ctx, &cfg.Database, log.Named("database"))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// ResolveStorage returns the effective storage config. An active slot in the
// catalog, written by an operator activation, overrides the config file.
func ResolveStorage(ctx context.Context, cfg *config.Config, store *database.Store, keys *auth.Keyring) (*config.StorageConfig, bool, error) {
	active, err := store.StorageConfig.Get(ctx, database.SlotActive)
	if err != nil {
		return nil, false, err
	}
	if active == nil {
		scfg := cfg.Storage
		return &scfg, false, nil
	}
	scfg, err := storage.ConfigFromSettings(cfg.Storage, active, keys)
	if err != nil {
		return nil, false, err
	}
	return scfg, true, nil
}

// Signer derives the blob URL signer from the keyring
func Signer(keys *auth.Keyring) (*storage.URLSigner, error) {
	return storage.NewURLSigner(keys.URLKey())
}

// OpenStorage builds the blob store for scfg and waits until it is usable
func OpenStorage(ctx context.Context, cfg *config.Config, scfg *config.StorageConfig, opts storage.Options, log *zap.Logger) (storage.BlobStore, error) {
	if opts.BaseURL == "" {
		opts.BaseURL = cfg.Server.BaseURL
	}
	if opts.TempDir == "" {
		opts.TempDir = cfg.Publish.TempDir
	}

	store, err := storage.NewFromConfig(ctx, scfg, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	err = retry(ctx, &cfg.Startup, log, "storage", func() error {
		return store.EnsureReady(ctx)
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("storage %s is not ready: %w", storage.Describe(scfg), err)
	}
	return store, nil
}

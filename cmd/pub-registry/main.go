package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/bootstrap"
	"github.com/ned1313/pub-registry/internal/cache"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/events"
	"github.com/ned1313/pub-registry/internal/logging"
	"github.com/ned1313/pub-registry/internal/metrics"
	"github.com/ned1313/pub-registry/internal/publish"
	"github.com/ned1313/pub-registry/internal/server"
	"github.com/ned1313/pub-registry/internal/storage"
	"github.com/ned1313/pub-registry/internal/version"
)

// maintenanceInterval is how often expired uploads and sessions are purged
const maintenanceInterval = time.Minute

func main() {
	// Check for subcommands
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "healthcheck":
			os.Exit(runHealthCheck())
		case "version":
			fmt.Printf("pub-registry %s\n", version.String())
			os.Exit(0)
		case "serve":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	configPath := flag.String("config", "", "Path to configuration file (HCL)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting pub-registry",
		zap.String("version", version.Version),
		zap.String("build_time", version.BuildTime),
		zap.String("commit", version.GitCommit),
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys, err := auth.NewKeyring(cfg.Auth.SecretKey)
	if err != nil {
		return err
	}

	db, err := bootstrap.OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	store := database.NewStore(db)

	if err := createInitialAdmin(ctx, db, cfg, logger); err != nil {
		logger.Warn("failed to create initial admin user", zap.Error(err))
	}

	var m *metrics.Metrics
	if cfg.Telemetry.Enabled {
		m = metrics.New()
	}

	scfg, fromCatalog, err := bootstrap.ResolveStorage(ctx, cfg, store, keys)
	if err != nil {
		return fmt.Errorf("failed to resolve storage config: %w", err)
	}
	signer, err := bootstrap.Signer(keys)
	if err != nil {
		return err
	}
	backend, err := bootstrap.OpenStorage(ctx, cfg, scfg, storage.Options{Signer: signer}, logger.Named("storage"))
	if err != nil {
		return err
	}
	defer backend.Close()
	logger.Info("storage ready",
		zap.String("storage", storage.Describe(scfg)),
		zap.Bool("from_catalog", fromCatalog))

	urlCache := storage.NewURLCache(backend, 10*time.Minute)
	blobs := m.InstrumentStore(urlCache)
	if cfg.Download.CacheSizeMB > 0 {
		archives, err := cache.NewMemoryCache(cache.MemoryCacheConfig{
			MaxSizeMB: cfg.Download.CacheSizeMB,
			MaxItemKB: cfg.Download.CacheMaxItemKB,
		})
		if err != nil {
			return fmt.Errorf("failed to create archive cache: %w", err)
		}
		blobs = cache.NewReadThrough(blobs, archives, m)
	}

	dispatcher := events.NewDispatcher(events.Config{QueueSize: cfg.Publish.EventQueueSize}, logger.Named("events"), m,
		events.NewAuditSink(store.Audit),
		events.NewLogSink(logger.Named("events")),
	)
	if err := dispatcher.Start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		Config:   cfg,
		Store:    store,
		Blobs:    blobs,
		Keyring:  keys,
		Logger:   logger,
		Signer:   signer,
		URLCache: urlCache,
		Events:   dispatcher,
		Metrics:  m,
		Gatherer: prometheus.DefaultGatherer,
	})

	go maintain(ctx, srv.Publisher(), store, db, m, logger.Named("maintenance"))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GetShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Stop(); err != nil {
		logger.Warn("event dispatcher did not drain", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

// createInitialAdmin creates the first administrator from the environment
// when none exist yet
func createInitialAdmin(ctx context.Context, db *database.DB, cfg *config.Config, logger *zap.Logger) error {
	username := os.Getenv(config.EnvPrefix + "ADMIN_USERNAME")
	password := os.Getenv(config.EnvPrefix + "ADMIN_PASSWORD")
	if username == "" || password == "" {
		return nil
	}

	hash, err := auth.NewPasswords(cfg.Auth.BCryptCost).Hash(password)
	if err != nil {
		return err
	}
	created, err := database.CreateInitialAdminUser(ctx, db, username, hash)
	if err != nil {
		return err
	}
	if created {
		logger.Info("initial admin user created", zap.String("username", username))
	}
	return nil
}

// maintain periodically drops staged archives of expired upload sessions,
// purges expired cookie sessions and refreshes catalog gauges
func maintain(ctx context.Context, publisher *publish.Service, store *database.Store, db *database.DB, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := publisher.CleanupExpired(ctx); err != nil {
			logger.Warn("failed to clean up staged archives", zap.Error(err))
		} else if n > 0 {
			logger.Info("deleted staged archives of expired upload sessions", zap.Int("count", n))
		}

		if _, err := store.Sessions.DeleteExpired(ctx, time.Now()); err != nil {
			logger.Warn("failed to delete expired sessions", zap.Error(err))
		}

		if m != nil {
			if stats, err := store.Stats(ctx); err == nil {
				m.UpdateCatalogCounts(stats.Packages, stats.Versions, stats.ArchiveBytes)
			}
			m.SetDBConnections(db.Conn().Stats().OpenConnections)
		}
	}
}

// runHealthCheck performs a health check against the local server
func runHealthCheck() int {
	port := os.Getenv(config.EnvPrefix + "SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	url := fmt.Sprintf("http://localhost:%s/health", port)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	return 0
}

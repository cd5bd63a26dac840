package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/events"
	"github.com/ned1313/pub-registry/internal/metrics"
	"github.com/ned1313/pub-registry/internal/publish"
	"github.com/ned1313/pub-registry/internal/storage"
	"github.com/ned1313/pub-registry/internal/version"
)

// Deps are the collaborators the HTTP server is built from
type Deps struct {
	Config  *config.Config
	Store   *database.Store
	Blobs   storage.BlobStore
	Keyring *auth.Keyring
	Logger  *zap.Logger

	// Signer verifies /blobs/ URLs; the route is only mounted when set
	Signer *storage.URLSigner
	// URLCache is flushed when the admin clears caches
	URLCache *storage.URLCache
	Events   events.Emitter
	Metrics  *metrics.Metrics
	// Gatherer backs the metrics endpoint; defaults to the global registry
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	store    *database.Store
	blobs    storage.BlobStore
	signer   *storage.URLSigner
	urlCache *storage.URLCache
	events   events.Emitter
	router   *chi.Mux
	server   *http.Server
	logger   *zap.Logger
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Services
	publisher     *publish.Service
	authenticator *auth.Authenticator
	sessions      *auth.SessionManager
	passwords     *auth.Passwords
	userNS        auth.Namespace
	adminNS       auth.Namespace
}

// New creates a new HTTP server instance
func New(d Deps) *Server {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := d.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	gatherer := d.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:   cfg,
		store:    d.Store,
		blobs:    d.Blobs,
		signer:   d.Signer,
		urlCache: d.URLCache,
		events:   emitter,
		logger:   logger.Named("http"),
		metrics:  d.Metrics,
		gatherer: gatherer,

		publisher: publish.NewService(&cfg.Publish, cfg.Server.BaseURL, d.Store, d.Blobs, emitter,
			d.Metrics, logger.Named("publish")),
		authenticator: auth.NewAuthenticator(d.Store.Tokens, d.Store.Users, logger.Named("auth")),
		sessions:      auth.NewSessionManager(d.Keyring, d.Store.Sessions, cfg.Auth.SecureCookies),
		passwords:     auth.NewPasswords(cfg.Auth.BCryptCost),
		userNS:        auth.UserNamespace(time.Duration(cfg.Auth.UserSessionHours) * time.Hour),
		adminNS:       auth.AdminNamespace(time.Duration(cfg.Auth.AdminSessionHours) * time.Hour),
	}

	s.setupRouter()
	return s
}

// Publisher exposes the publish workflow for background maintenance
func (s *Server) Publisher() *publish.Service {
	return s.publisher
}

// setupRouter initializes the Chi router with all routes and middleware
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	if s.config.Server.BehindProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	// Uploads are bounded by the server write timeout instead
	r.Use(middleware.Timeout(s.config.Server.GetWriteTimeout() + 5*time.Second))

	if len(s.config.Server.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.config.Server.CORSOrigins))
	}

	// Health check endpoint (no auth required)
	r.Get("/health", s.handleHealth)

	if s.config.Telemetry.Enabled {
		metricsPath := s.config.Telemetry.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Method(http.MethodGet, metricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Signed blob downloads for local storage
	if s.signer != nil {
		r.Get("/blobs/*", s.handleBlobDownload)
	}

	// Archive downloads; the file segment is <version>.tar.gz
	r.With(s.readAccess).Get("/packages/{name}/versions/{archive}", s.handleDownload)

	// Hosted repository API
	r.Route("/api", func(r chi.Router) {
		r.Use(pubContentType)

		r.Group(func(r chi.Router) {
			r.Use(s.readAccess)
			r.Get("/packages/{name}", s.handlePackage)
			r.Get("/packages/{name}/versions/{version}", s.handleVersion)
			r.Get("/search", s.handleSearch)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/packages/versions/new", s.handleNewUpload)
			r.Post("/packages/versions/upload/{session}", s.handleUpload)
			r.Get("/packages/versions/finalize/{session}", s.handleFinalize)
		})

		// End-user accounts
		r.Route("/account", func(r chi.Router) {
			r.Post("/login", s.handleAccountLogin)
			r.Post("/logout", s.handleAccountLogout)

			r.Group(func(r chi.Router) {
				r.Use(s.requireSession(s.userNS, s.store.Users))
				r.Get("/tokens", s.handleListTokens)
				r.Post("/tokens", s.handleCreateToken)
				r.Delete("/tokens/{label}", s.handleDeleteToken)
			})
		})
	})

	// Admin API endpoints (admin session required)
	r.Route("/admin/api", func(r chi.Router) {
		r.Post("/login", s.handleAdminLogin)
		r.Post("/logout", s.handleAdminLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireSession(s.adminNS, s.store.Admins))

			r.Get("/stats", s.handleStats)
			r.Get("/audit", s.handleAuditLogs)
			r.Post("/cache/clear", s.handleClearCache)

			r.Delete("/packages/{name}", s.handleDeletePackage)
			r.Post("/packages/{name}/discontinue", s.handleDiscontinue)
			r.Post("/packages/{name}/reactivate", s.handleReactivate)
			r.Delete("/packages/{name}/versions/{version}", s.handleDeleteVersion)
			r.Post("/packages/{name}/versions/{version}/retract", s.handleRetract)
			r.Post("/packages/{name}/versions/{version}/unretract", s.handleUnretract)
		})
	})

	s.router = r
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       s.config.Server.GetReadTimeout(),
		WriteTimeout:      s.config.Server.GetWriteTimeout(),
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting server",
		zap.String("addr", addr),
		zap.Bool("tls", s.config.Server.TLSEnabled),
		zap.String("base_url", s.config.Server.BaseURL))

	var err error
	if s.config.Server.TLSEnabled {
		err = s.server.ListenAndServeTLS(
			s.config.Server.TLSCertPath,
			s.config.Server.TLSKeyPath,
		)
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("shutting down server")
	return s.server.Shutdown(ctx)
}

// Router returns the underlying Chi router (useful for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Storage string `json:"storage,omitempty"`
}

// handleHealth reports whether the catalog is reachable
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Version: version.Version, Storage: s.blobs.Kind()}
	if err := s.store.DB.Ping(r.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		resp.Status = "unavailable"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleBlobDownload serves archives from local storage behind a signed URL
// GET /blobs/*
func (s *Server) handleBlobDownload(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/blobs/")
	if key == "" {
		http.NotFound(w, r)
		return
	}

	if err := s.signer.Verify(key, r.URL.Query()); err != nil {
		s.logger.Debug("rejected blob URL", zap.String("key", key), zap.Error(err))
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	reader, err := s.blobs.Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("failed to open blob", zap.String("key", key), zap.Error(err))
		http.Error(w, "failed to read file", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", storage.ArchiveContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(key)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Warn("blob download interrupted", zap.String("key", key), zap.Error(err))
	}
}

// queryInt reads a non-negative integer query parameter, falling back to def
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	if max > 0 && v > max {
		return max
	}
	return v
}

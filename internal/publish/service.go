// Package publish implements the three-step publish handshake: create an
// upload session, upload the archive, finalize the version.
package publish

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/events"
	"github.com/ned1313/pub-registry/internal/metrics"
	"github.com/ned1313/pub-registry/internal/storage"
)

// Service runs the publish workflow
type Service struct {
	store   *database.Store
	blobs   storage.BlobStore
	emitter events.Emitter
	metrics *metrics.Metrics
	log     *zap.Logger

	baseURL  string
	ttl      time.Duration
	maxBytes int64
	tempDir  string
	uploads  *semaphore.Weighted

	now func() time.Time
}

// NewService creates the publish service. baseURL is the externally visible
// server URL used in the handshake responses.
func NewService(cfg *config.PublishConfig, baseURL string, store *database.Store, blobs storage.BlobStore, emitter events.Emitter, m *metrics.Metrics, log *zap.Logger) *Service {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	slots := int64(cfg.MaxConcurrentUploads)
	if slots <= 0 {
		slots = 1
	}
	return &Service{
		store:    store,
		blobs:    blobs,
		emitter:  emitter,
		metrics:  m,
		log:      log,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		ttl:      cfg.GetSessionTTL(),
		maxBytes: cfg.GetMaxUploadBytes(),
		tempDir:  cfg.TempDir,
		uploads:  semaphore.NewWeighted(slots),
		now:      time.Now,
	}
}

// MaxUploadBytes is the archive size ceiling
func (s *Service) MaxUploadBytes() int64 {
	return s.maxBytes
}

// NewSession is the response to the first handshake step
type NewSession struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// Finalized describes a committed version
type Finalized struct {
	Package string
	Version string
}

// Message is the client-facing success text
func (f *Finalized) Message() string {
	return fmt.Sprintf("Successfully uploaded %s version %s.", f.Package, f.Version)
}

// CreateSession starts a publish for p. p must hold a scope that can
// publish at least one package.
func (s *Service) CreateSession(ctx context.Context, p *auth.Principal) (*NewSession, error) {
	if !auth.CanPublishAny(p.Scopes) {
		return nil, apperr.Denied("token %q cannot publish packages", p.Label)
	}

	now := s.now().UTC()
	session := &database.UploadSession{
		ID:        uuid.NewString(),
		UserID:    p.UserID,
		TokenHash: p.TokenHash,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.UploadSessions.Create(ctx, session); err != nil {
		return nil, apperr.BackendFailure("create upload session", err)
	}

	s.metrics.RecordUploadSession()
	s.log.Debug("upload session created",
		zap.String("session", session.ID),
		zap.String("user", p.Username),
		zap.Time("expires_at", session.ExpiresAt))

	return &NewSession{
		URL:    s.baseURL + "/api/packages/versions/upload/" + session.ID,
		Fields: map[string]string{},
	}, nil
}

// loadSession fetches a session and checks it is still open at now
func (s *Service) loadSession(ctx context.Context, id string, now time.Time) (*database.UploadSession, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.Missing(apperr.CodeSessionNotFound, "upload session %s not found", id)
	}
	session, err := s.store.UploadSessions.Get(ctx, id)
	if err != nil {
		return nil, apperr.BackendFailure("get upload session", err)
	}
	if session == nil {
		return nil, apperr.Missing(apperr.CodeSessionNotFound, "upload session %s not found", id)
	}
	if session.Completed {
		return nil, apperr.Conflicting(apperr.CodeConflict, "upload session %s was already finalized", id)
	}
	if session.Expired(now) {
		return nil, apperr.Invalid(apperr.CodeSessionExpired, "upload session %s has expired", id)
	}
	return session, nil
}

func checkOwner(session *database.UploadSession, p *auth.Principal) error {
	if session.UserID != p.UserID {
		return apperr.Denied("upload session %s belongs to another user", session.ID)
	}
	return nil
}

// Upload stages the archive in body for session id and returns the URL of
// the finalize step
func (s *Service) Upload(ctx context.Context, id string, p *auth.Principal, body io.Reader) (string, error) {
	session, err := s.loadSession(ctx, id, s.now())
	if err != nil {
		return "", err
	}
	if err := checkOwner(session, p); err != nil {
		return "", err
	}
	if session.Uploaded() {
		return "", apperr.Conflicting(apperr.CodeConflict, "an archive was already uploaded for session %s", id)
	}

	if err := s.uploads.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.uploads.Release(1)

	archive, err := spool(body, s.tempDir, s.maxBytes)
	if err != nil {
		return "", err
	}
	defer archive.Close()

	raw, err := ReadManifest(archive.file)
	if err != nil {
		return "", err
	}
	pubspec, err := ParsePubspec(raw)
	if err != nil {
		return "", err
	}
	pubspecJSON, err := pubspec.JSON()
	if err != nil {
		return "", apperr.Invalid(apperr.CodeInvalidArchive, "%v", err)
	}

	if err := archive.rewind(); err != nil {
		return "", fmt.Errorf("failed to rewind upload: %w", err)
	}

	// Each attempt stages under its own key so a losing concurrent upload
	// cannot clobber or delete the winner's bytes
	stagedKey, err := storage.StagingKey(id + "-" + uuid.NewString()[:8])
	if err != nil {
		return "", err
	}
	err = s.blobs.Put(ctx, stagedKey, archive.file, storage.PutOptions{
		Size:        archive.size,
		Digest:      archive.digest,
		ContentType: storage.ArchiveContentType,
	})
	if err != nil {
		return "", apperr.BackendFailure("stage archive", err)
	}

	now := s.now()
	ok, err := s.store.UploadSessions.MarkUploaded(ctx, id, stagedKey, archive.digest.Encoded(), archive.size, pubspecJSON, now)
	if err != nil {
		s.discard(stagedKey)
		return "", apperr.BackendFailure("record upload", err)
	}
	if !ok {
		s.discard(stagedKey)
		if session.Expired(now) {
			return "", apperr.Invalid(apperr.CodeSessionExpired, "upload session %s has expired", id)
		}
		return "", apperr.Conflicting(apperr.CodeConflict, "an archive was already uploaded for session %s", id)
	}

	s.metrics.RecordUpload(archive.size)
	s.log.Info("archive staged",
		zap.String("session", id),
		zap.String("package", pubspec.Name),
		zap.String("version", pubspec.Version),
		zap.Int64("size", archive.size))

	return s.baseURL + "/api/packages/versions/finalize/" + id, nil
}

// Finalize validates the staged archive of session id and commits it as a
// new version
func (s *Service) Finalize(ctx context.Context, id string, p *auth.Principal) (result *Finalized, err error) {
	defer func() {
		if err == nil {
			s.metrics.RecordPublish("ok")
		} else {
			s.metrics.RecordPublish(apperr.Code(err))
		}
	}()

	// Expiry is decided once, up front; an expired session never finalizes
	session, err := s.loadSession(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if !session.Uploaded() || !session.StagedKey.Valid {
		return nil, apperr.Invalid(apperr.CodeInvalidInput, "no archive was uploaded for session %s", id)
	}

	pubspec, err := ParsePubspec([]byte(session.Pubspec.String))
	if err != nil {
		return nil, err
	}
	if err := pubspec.Validate(); err != nil {
		return nil, err
	}
	name, version := pubspec.Name, pubspec.Version

	if err := checkOwner(session, p); err != nil {
		return nil, err
	}
	if auth.Authorize(p.Scopes, auth.ActionPublish, name) != auth.Allow {
		return nil, apperr.Denied("token %q cannot publish %s", p.Label, name)
	}

	exists, err := s.store.Versions.Exists(ctx, name, version)
	if err != nil {
		return nil, apperr.BackendFailure("check version", err)
	}
	if exists {
		return nil, apperr.Conflicting(apperr.CodeDuplicateVersion, "version %s of package %s already exists", version, name)
	}

	d, err := storage.ParseSHA256(session.ArchiveSHA256.String)
	if err != nil {
		return nil, apperr.BackendFailure("read upload session", err)
	}
	key, err := storage.PublishedKey(name, version, d)
	if err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidArchive, "%v", err)
	}

	stagedKey := session.StagedKey.String
	err = storage.Copy(ctx, s.blobs, key, s.blobs, stagedKey, d, session.ArchiveSize.Int64)
	switch {
	case errors.Is(err, storage.ErrDigestMismatch):
		return nil, apperr.Invalid(apperr.CodeChecksumMismatch, "staged archive for %s %s does not match its recorded digest", name, version)
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.Missing(apperr.CodeSessionNotFound, "staged archive for session %s is gone", id)
	case err != nil:
		return nil, apperr.BackendFailure("store archive", err)
	}

	v := &database.PackageVersion{
		PackageName:   name,
		Version:       version,
		Pubspec:       session.Pubspec.String,
		ArchiveKey:    key,
		ArchiveSHA256: d.Encoded(),
		ArchiveSize:   session.ArchiveSize.Int64,
		PublishedBy:   sql.NullInt64{Int64: p.UserID, Valid: true},
	}
	if err := s.store.PublishVersion(ctx, id, v); err != nil {
		s.dropOrphan(name, version, key)
		return nil, err
	}

	s.discard(stagedKey)

	s.log.Info("package version published",
		zap.String("package", name),
		zap.String("version", version),
		zap.String("user", p.Username),
		zap.String("sha256", v.ArchiveSHA256))

	s.emitter.Emit(events.Event{
		Type:    events.TypePublish,
		Package: name,
		Version: version,
		Actor:   p.Username,
		Metadata: map[string]string{
			"sha256": v.ArchiveSHA256,
		},
	})

	return &Finalized{Package: name, Version: version}, nil
}

// CleanupExpired deletes the staged archives of upload sessions that expired
// before now. The session rows stay for audit and keep reporting expiry.
func (s *Service) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := s.store.UploadSessions.ClearExpiredStaging(ctx, s.now())
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Warn("failed to delete staged archive", zap.String("key", key), zap.Error(err))
		}
	}
	return len(keys), nil
}

// discard removes a staged blob. Failures only leave garbage behind.
func (s *Service) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn("failed to delete staged archive", zap.String("key", key), zap.Error(err))
	}
}

// dropOrphan removes a canonical blob written by a finalize that lost the
// commit to a different archive. With no committed row the blob is kept,
// since a concurrent finalize may still reference it.
func (s *Service) dropOrphan(name, version, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	v, err := s.store.Versions.Get(ctx, name, version)
	if err != nil || v == nil || v.ArchiveKey == key {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn("failed to delete orphaned archive", zap.String("key", key), zap.Error(err))
	}
}

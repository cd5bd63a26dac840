package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/events"
)

// StatsResponse summarizes the catalog
type StatsResponse struct {
	Packages     int64  `json:"packages"`
	Versions     int64  `json:"versions"`
	Users        int64  `json:"users"`
	Tokens       int64  `json:"tokens"`
	ArchiveBytes int64  `json:"archive_bytes"`
	Storage      string `json:"storage"`
}

// AuditLogEntry is one audit log row
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	Event     string          `json:"event"`
	Package   string          `json:"package,omitempty"`
	Version   string          `json:"version,omitempty"`
	Actor     string          `json:"actor,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// DiscontinueRequest optionally names the successor package
type DiscontinueRequest struct {
	ReplacedBy string `json:"replacedBy"`
}

// RetractRequest optionally explains a retraction
type RetractRequest struct {
	Message string `json:"message"`
}

// emit publishes a committed admin change attributed to the session account
func (s *Server) emit(r *http.Request, typ events.Type, pkg, ver string, metadata map[string]string) {
	e := events.Event{
		Type:     typ,
		Package:  pkg,
		Version:  ver,
		Time:     time.Now().UTC(),
		Metadata: metadata,
	}
	if a := accountFrom(r.Context()); a != nil {
		e.Actor = "admin:" + a.Username
	}
	s.events.Emit(e)
}

// deleteBlobs removes archives whose catalog rows are already gone. A
// failure leaves an orphan blob, which is logged and otherwise harmless.
func (s *Server) deleteBlobs(ctx context.Context, keys []string) int {
	ctx = context.WithoutCancel(ctx)
	deleted := 0
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.logger.Warn("failed to delete archive", zap.String("key", key), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted
}

// optionalJSON decodes a body that may be empty
func optionalJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

// handleAdminLogin starts an admin session
// POST /admin/api/login
func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, s.adminNS, s.store.Admins, "admin_password")
}

// handleAdminLogout ends the admin session
// POST /admin/api/logout
func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	s.logout(w, r, s.adminNS)
}

// handleStats returns catalog counts
// GET /admin/api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("read stats", err))
		return
	}
	s.metrics.UpdateCatalogCounts(stats.Packages, stats.Versions, stats.ArchiveBytes)

	respondJSON(w, http.StatusOK, StatsResponse{
		Packages:     stats.Packages,
		Versions:     stats.Versions,
		Users:        stats.Users,
		Tokens:       stats.Tokens,
		ArchiveBytes: stats.ArchiveBytes,
		Storage:      s.blobs.Kind(),
	})
}

// handleAuditLogs pages through the audit log, optionally for one package
// GET /admin/api/audit?package=&limit=&offset=
func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100, 1000)
	offset := queryInt(r, "offset", 0, 0)
	pkg := r.URL.Query().Get("package")

	var (
		entries []*database.AuditEntry
		err     error
	)
	if pkg != "" {
		entries, err = s.store.Audit.ListByPackage(r.Context(), pkg, limit, offset)
	} else {
		entries, err = s.store.Audit.List(r.Context(), limit, offset)
	}
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("list audit log", err))
		return
	}

	out := make([]AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		entry := AuditLogEntry{
			ID:        e.ID,
			Event:     e.Event,
			Package:   e.PackageName.String,
			Version:   e.Version.String,
			Actor:     e.Actor.String,
			CreatedAt: e.CreatedAt.UTC(),
		}
		if e.Metadata.Valid && e.Metadata.String != "" {
			entry.Metadata = json.RawMessage(e.Metadata.String)
		}
		out = append(out, entry)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entries": out, "limit": limit, "offset": offset})
}

// handleClearCache drops versions pulled from an upstream registry and
// forgets memoized signed URLs
// POST /admin/api/cache/clear
func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	keys, err := s.store.Versions.DeleteCachedVersions(r.Context())
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("clear cached versions", err))
		return
	}
	deleted := s.deleteBlobs(r.Context(), keys)
	if s.urlCache != nil {
		s.urlCache.Flush()
	}

	s.emit(r, events.TypeCacheCleared, "", "", map[string]string{"versions": strconv.Itoa(len(keys))})
	respondJSON(w, http.StatusOK, map[string]int{"versions": len(keys), "archives_deleted": deleted})
}

// handleDeletePackage removes a package, its versions and their archives
// DELETE /admin/api/packages/{name}
func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	keys, found, err := s.store.Packages.Delete(r.Context(), name)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("delete package", err))
		return
	}
	if !found {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "package %q not found", name))
		return
	}
	deleted := s.deleteBlobs(r.Context(), keys)

	s.emit(r, events.TypeDeletePackage, name, "", map[string]string{"versions": strconv.Itoa(len(keys))})
	respondJSON(w, http.StatusOK, map[string]interface{}{"package": name, "versions": len(keys), "archives_deleted": deleted})
}

// handleDeleteVersion removes one version and its archive
// DELETE /admin/api/packages/{name}/versions/{version}
func (s *Server) handleDeleteVersion(w http.ResponseWriter, r *http.Request) {
	name, ver := chi.URLParam(r, "name"), chi.URLParam(r, "version")

	key, found, err := s.store.Versions.Delete(r.Context(), name, ver)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("delete version", err))
		return
	}
	if !found {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "version %s of %q not found", ver, name))
		return
	}
	s.deleteBlobs(r.Context(), []string{key})

	s.emit(r, events.TypeDeleteVersion, name, ver, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleDiscontinue marks a package discontinued
// POST /admin/api/packages/{name}/discontinue
func (s *Server) handleDiscontinue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req DiscontinueRequest
	if err := optionalJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.ReplacedBy = strings.TrimSpace(req.ReplacedBy)
	if req.ReplacedBy != "" && (!auth.ValidPackageName(req.ReplacedBy) || req.ReplacedBy == name) {
		s.respondError(w, r, apperr.Invalid(apperr.CodeInvalidInput, "invalid replacedBy %q", req.ReplacedBy))
		return
	}

	s.setDiscontinued(w, r, name, true, req.ReplacedBy)
}

// handleReactivate clears the discontinued flag
// POST /admin/api/packages/{name}/reactivate
func (s *Server) handleReactivate(w http.ResponseWriter, r *http.Request) {
	s.setDiscontinued(w, r, chi.URLParam(r, "name"), false, "")
}

func (s *Server) setDiscontinued(w http.ResponseWriter, r *http.Request, name string, discontinued bool, replacedBy string) {
	found, err := s.store.Packages.SetDiscontinued(r.Context(), name, discontinued, replacedBy)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("update package", err))
		return
	}
	if !found {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "package %q not found", name))
		return
	}

	if discontinued {
		var metadata map[string]string
		if replacedBy != "" {
			metadata = map[string]string{"replaced_by": replacedBy}
		}
		s.emit(r, events.TypeDiscontinue, name, "", metadata)
	} else {
		s.emit(r, events.TypeReactivate, name, "", nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRetract marks a version retracted
// POST /admin/api/packages/{name}/versions/{version}/retract
func (s *Server) handleRetract(w http.ResponseWriter, r *http.Request) {
	var req RetractRequest
	if err := optionalJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.setRetracted(w, r, true, strings.TrimSpace(req.Message))
}

// handleUnretract restores a retracted version
// POST /admin/api/packages/{name}/versions/{version}/unretract
func (s *Server) handleUnretract(w http.ResponseWriter, r *http.Request) {
	s.setRetracted(w, r, false, "")
}

func (s *Server) setRetracted(w http.ResponseWriter, r *http.Request, retracted bool, message string) {
	name, ver := chi.URLParam(r, "name"), chi.URLParam(r, "version")

	found, err := s.store.Versions.SetRetracted(r.Context(), name, ver, retracted, message)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("update version", err))
		return
	}
	if !found {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "version %s of %q not found", ver, name))
		return
	}

	if retracted {
		var metadata map[string]string
		if message != "" {
			metadata = map[string]string{"message": message}
		}
		s.emit(r, events.TypeRetract, name, ver, metadata)
	} else {
		s.emit(r, events.TypeUnretract, name, ver, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

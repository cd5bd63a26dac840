package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/storage"
)

// archiveSuffix ends every archive download path
const archiveSuffix = ".tar.gz"

// VersionInfo describes one version in the package listing
type VersionInfo struct {
	Version       string          `json:"version"`
	Retracted     bool            `json:"retracted,omitempty"`
	ArchiveURL    string          `json:"archive_url"`
	ArchiveSHA256 string          `json:"archive_sha256"`
	Pubspec       json.RawMessage `json:"pubspec"`
	Published     time.Time       `json:"published"`
}

// PackageListing is the version listing of one package
type PackageListing struct {
	Name           string        `json:"name"`
	IsDiscontinued bool          `json:"isDiscontinued,omitempty"`
	ReplacedBy     string        `json:"replacedBy,omitempty"`
	Latest         *VersionInfo  `json:"latest"`
	Versions       []VersionInfo `json:"versions"`
}

// SearchResponse lists packages matching a query
type SearchResponse struct {
	Packages []SearchHit `json:"packages"`
	Next     string      `json:"next,omitempty"`
}

// SearchHit is one search result
type SearchHit struct {
	Package string `json:"package"`
}

func (s *Server) archiveURL(name, version string) string {
	return fmt.Sprintf("%s/packages/%s/versions/%s%s",
		strings.TrimSuffix(s.config.Server.BaseURL, "/"),
		url.PathEscape(name), url.PathEscape(version), archiveSuffix)
}

func (s *Server) versionInfo(v *database.PackageVersion) VersionInfo {
	return VersionInfo{
		Version:       v.Version,
		Retracted:     v.IsRetracted,
		ArchiveURL:    s.archiveURL(v.PackageName, v.Version),
		ArchiveSHA256: v.ArchiveSHA256,
		Pubspec:       json.RawMessage(v.Pubspec),
		Published:     v.PublishedAt.UTC(),
	}
}

// handlePackage lists every version of a package
// GET /api/packages/{name}
func (s *Server) handlePackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !auth.ValidPackageName(name) {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "package %q not found", name))
		return
	}

	pkg, err := s.store.Packages.Get(r.Context(), name)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("get package", err))
		return
	}
	if pkg == nil {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "package %q not found", name))
		return
	}

	versions, err := s.store.Versions.ListByPackage(r.Context(), name)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("list versions", err))
		return
	}
	if len(versions) == 0 {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "package %q has no versions", name))
		return
	}

	listing := PackageListing{
		Name:           pkg.Name,
		IsDiscontinued: pkg.IsDiscontinued,
		Versions:       make([]VersionInfo, 0, len(versions)),
	}
	if pkg.ReplacedBy.Valid {
		listing.ReplacedBy = pkg.ReplacedBy.String
	}
	for _, v := range versions {
		listing.Versions = append(listing.Versions, s.versionInfo(v))
	}
	latest := s.versionInfo(database.Latest(versions))
	listing.Latest = &latest

	respondJSON(w, http.StatusOK, listing)
}

// handleVersion returns a single version
// GET /api/packages/{name}/versions/{version}
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	name, ver := chi.URLParam(r, "name"), chi.URLParam(r, "version")

	v, err := s.store.Versions.Get(r.Context(), name, ver)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("get version", err))
		return
	}
	if v == nil {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "version %s of %q not found", ver, name))
		return
	}

	respondJSON(w, http.StatusOK, s.versionInfo(v))
}

// handleSearch finds packages whose name contains q
// GET /api/search?q=&page=
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	const pageSize = 50

	q := strings.TrimSpace(r.URL.Query().Get("q"))
	page := queryInt(r, "page", 1, 0)
	if page < 1 {
		page = 1
	}

	var (
		pkgs []*database.Package
		err  error
	)
	// Fetch one extra row to learn whether another page exists
	if q == "" {
		pkgs, err = s.store.Packages.List(r.Context(), pageSize+1, (page-1)*pageSize)
	} else {
		pkgs, err = s.store.Packages.Search(r.Context(), q, pageSize+1, (page-1)*pageSize)
	}
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("search packages", err))
		return
	}

	resp := SearchResponse{Packages: make([]SearchHit, 0, len(pkgs))}
	if len(pkgs) > pageSize {
		pkgs = pkgs[:pageSize]
		next := url.Values{}
		if q != "" {
			next.Set("q", q)
		}
		next.Set("page", strconv.Itoa(page+1))
		resp.Next = strings.TrimSuffix(s.config.Server.BaseURL, "/") + "/api/search?" + next.Encode()
	}
	for _, p := range pkgs {
		resp.Packages = append(resp.Packages, SearchHit{Package: p.Name})
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleDownload serves an archive, either by redirecting to a signed
// backend URL or by streaming it through the server
// GET /packages/{name}/versions/{version}.tar.gz
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ver, ok := strings.CutSuffix(chi.URLParam(r, "archive"), archiveSuffix)
	if !ok {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "not found"))
		return
	}

	v, err := s.store.Versions.Get(r.Context(), name, ver)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("get version", err))
		return
	}
	if v == nil {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "version %s of %q not found", ver, name))
		return
	}

	if s.config.Download.RedirectToSignedURL {
		signed, err := s.blobs.SignedURL(r.Context(), v.ArchiveKey, s.config.Storage.GetSignedURLTTL())
		if err == nil {
			s.metrics.RecordDownload("redirect", v.ArchiveSize)
			http.Redirect(w, r, signed, http.StatusFound)
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "archive for %s %s is missing", name, ver))
			return
		}
		s.logger.Warn("signed URL unavailable, streaming instead", zap.String("key", v.ArchiveKey), zap.Error(err))
	}

	rc, err := s.blobs.Get(r.Context(), v.ArchiveKey)
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "archive for %s %s is missing", name, ver))
		return
	}
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("open archive", err))
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", storage.ArchiveContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(v.ArchiveSize, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name+"-"+ver+archiveSuffix))
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, rc)
	if err != nil {
		s.logger.Warn("archive download interrupted", zap.String("key", v.ArchiveKey), zap.Error(err))
		return
	}
	s.metrics.RecordDownload("stream", n)
}

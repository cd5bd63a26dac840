package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ned1313/pub-registry/internal/apperr"
)

// multipartOverhead allows for form boundaries and part headers on top of
// the archive size limit
const multipartOverhead = 64 << 10

// SuccessResponse is the finalize envelope understood by pub clients
type SuccessResponse struct {
	Success SuccessBody `json:"success"`
}

// SuccessBody carries the message shown to the publisher
type SuccessBody struct {
	Message string `json:"message"`
}

// handleNewUpload opens an upload session
// GET /api/packages/versions/new
func (s *Server) handleNewUpload(w http.ResponseWriter, r *http.Request) {
	session, err := s.publisher.CreateSession(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, session)
}

// handleUpload receives the archive for a session, either as the "file"
// part of a multipart form or as the raw request body
// POST /api/packages/versions/upload/{session}
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.publisher.MaxUploadBytes()+multipartOverhead)

	body, err := uploadBody(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	finalizeURL, err := s.publisher.Upload(r.Context(), chi.URLParam(r, "session"), principalFrom(r.Context()), body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Location", finalizeURL)
	w.WriteHeader(http.StatusNoContent)
}

// uploadBody locates the archive bytes in r
func uploadBody(r *http.Request) (io.Reader, error) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return r.Body, nil
	}

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, apperr.Invalid(apperr.CodeInvalidInput, "malformed multipart body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, apperr.Invalid(apperr.CodeInvalidInput, "multipart body has no \"file\" field")
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, apperr.Invalid(apperr.CodeInvalidArchive, "archive exceeds %d bytes", tooLarge.Limit)
			}
			return nil, apperr.Invalid(apperr.CodeInvalidInput, "malformed multipart body: %v", err)
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// handleFinalize publishes the uploaded archive
// GET /api/packages/versions/finalize/{session}
func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	result, err := s.publisher.Finalize(r.Context(), chi.URLParam(r, "session"), principalFrom(r.Context()))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, SuccessResponse{Success: SuccessBody{Message: result.Message()}})
}

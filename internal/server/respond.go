package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/apperr"
)

// PubContentType is the media type of hosted repository API responses
const PubContentType = "application/vnd.pub.v2+json"

// ErrorResponse is the error envelope understood by pub clients
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody carries a stable code and a human readable message
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// respondJSON writes data as JSON. A Content-Type already set by a route
// group is kept.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes err in the error envelope with the status its class
// maps to. 401 responses carry a Bearer challenge so pub clients prompt for
// a token.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	code := apperr.Code(err)
	message := apperr.Message(err)

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err))
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", bearerChallenge(message))
	}

	respondJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func bearerChallenge(message string) string {
	message = strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(message)
	return `Bearer realm="pub", message="` + message + `"`
}

// decodeJSON reads a JSON request body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return apperr.Invalid(apperr.CodeInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", Invalid(CodeInvalidArchive, "bad archive"), http.StatusBadRequest, CodeInvalidArchive},
		{"not found", Missing(CodeSessionNotFound, "no session"), http.StatusNotFound, CodeSessionNotFound},
		{"conflict", Conflicting(CodeDuplicateVersion, "exists"), http.StatusConflict, CodeDuplicateVersion},
		{"auth", Unauthenticated(CodeMissingAuth, "no token"), http.StatusUnauthorized, CodeMissingAuth},
		{"forbidden", Denied("nope"), http.StatusForbidden, CodeForbidden},
		{"backend", BackendFailure("query", errors.New("connection refused")), http.StatusServiceUnavailable, CodeBackend},
		{"plain", errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, HTTPStatus(tt.err))
			assert.Equal(t, tt.code, Code(tt.err))
		})
	}
}

func TestClassSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("finalize: %w", Conflicting(CodeDuplicateVersion, "foo 1.0.0 already exists"))

	assert.True(t, Conflict.Has(err))
	assert.True(t, Is(err, CodeDuplicateVersion))
	assert.Equal(t, "foo 1.0.0 already exists", Message(err))
}

func TestBackendMessageIsSanitized(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:5432: connection refused")
	err := BackendFailure("database query", cause)

	assert.Equal(t, "database query failed", Message(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "internal server error", Message(errors.New("secret detail")))
}

func TestNilPassthrough(t *testing.T) {
	assert.NoError(t, BackendFailure("x", nil))
	assert.NoError(t, MigrationFailure("k", nil))
	assert.False(t, Is(nil, CodeNotFound))
}

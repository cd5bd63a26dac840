// Package apperr defines the registry's error taxonomy.
//
// Every failure surfaced to a client belongs to exactly one class. Classes
// carry a stable machine-readable code and a human-readable message, which
// the HTTP layer renders as {"error": {"code": ..., "message": ...}}.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/zeebo/errs"
)

// Error classes
var (
	Validation = errs.Class("validation")
	NotFound   = errs.Class("not found")
	Conflict   = errs.Class("conflict")
	Auth       = errs.Class("auth")
	Forbidden  = errs.Class("forbidden")
	Backend    = errs.Class("backend")
	Migration  = errs.Class("migration")
)

// Stable error codes returned to clients
const (
	CodeInvalidInput       = "InvalidInput"
	CodeInvalidArchive     = "InvalidArchive"
	CodeNotFound           = "NotFound"
	CodeSessionNotFound    = "SessionNotFound"
	CodeSessionExpired     = "SessionExpired"
	CodeDuplicateVersion   = "DuplicateVersion"
	CodeConflict           = "Conflict"
	CodeMissingAuth        = "MissingAuthentication"
	CodeInvalidCredentials = "InvalidCredentials"
	CodeCredentialExpired  = "CredentialExpired"
	CodeForbidden          = "InsufficientPermissions"
	CodeChecksumMismatch   = "ChecksumMismatch"
	CodeBackend            = "BackendUnavailable"
	CodeMigration          = "MigrationFailed"
	CodeInternal           = "InternalError"
)

// Error is a coded error wrapped by one of the classes above.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newf(class *errs.Class, code, format string, args ...interface{}) error {
	return class.Wrap(&Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

// Invalid returns a validation error with the given code.
func Invalid(code, format string, args ...interface{}) error {
	return newf(&Validation, code, format, args...)
}

// Missing returns a not-found error with the given code.
func Missing(code, format string, args ...interface{}) error {
	return newf(&NotFound, code, format, args...)
}

// Conflicting returns a conflict error with the given code.
func Conflicting(code, format string, args ...interface{}) error {
	return newf(&Conflict, code, format, args...)
}

// Unauthenticated returns an authentication error with the given code.
func Unauthenticated(code, format string, args ...interface{}) error {
	return newf(&Auth, code, format, args...)
}

// Denied returns a forbidden error.
func Denied(format string, args ...interface{}) error {
	return newf(&Forbidden, CodeForbidden, format, args...)
}

// BackendFailure wraps a database or blob-backend failure.
func BackendFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	return Backend.Wrap(&wrapped{info: Error{Code: CodeBackend, Message: op + " failed"}, cause: err})
}

// MigrationFailure wraps a copy or verification failure for one key.
func MigrationFailure(key string, err error) error {
	if err == nil {
		return nil
	}
	return Migration.Wrap(&wrapped{info: Error{Code: CodeMigration, Message: "migrating " + key}, cause: err})
}

// wrapped keeps the underlying cause reachable through errors.Is/As while
// exposing only the sanitized message to clients.
type wrapped struct {
	info  Error
	cause error
}

func (w *wrapped) Error() string {
	return w.info.Message + ": " + w.cause.Error()
}

func (w *wrapped) Unwrap() error {
	return w.cause
}

func (w *wrapped) coded() *Error {
	return &w.info
}

// Coded extracts the coded error from err, if any.
func Coded(err error) (*Error, bool) {
	var w *wrapped
	if errors.As(err, &w) {
		return w.coded(), true
	}
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Code returns the stable code for err.
func Code(err error) string {
	if e, ok := Coded(err); ok {
		return e.Code
	}
	switch {
	case Validation.Has(err):
		return CodeInvalidInput
	case NotFound.Has(err):
		return CodeNotFound
	case Conflict.Has(err):
		return CodeConflict
	case Auth.Has(err):
		return CodeMissingAuth
	case Forbidden.Has(err):
		return CodeForbidden
	case Backend.Has(err):
		return CodeBackend
	case Migration.Has(err):
		return CodeMigration
	}
	return CodeInternal
}

// Message returns the client-facing message for err. Backend and unclassified
// errors never leak their cause.
func Message(err error) string {
	if e, ok := Coded(err); ok {
		return e.Message
	}
	switch HTTPStatus(err) {
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return "internal server error"
	}
	return err.Error()
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case Validation.Has(err):
		return http.StatusBadRequest
	case Auth.Has(err):
		return http.StatusUnauthorized
	case Forbidden.Has(err):
		return http.StatusForbidden
	case NotFound.Has(err):
		return http.StatusNotFound
	case Conflict.Has(err):
		return http.StatusConflict
	case Backend.Has(err):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && Code(err) == code
}

package server

import (
	"database/sql"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/database"
)

// maxTokenLabelLength bounds user-chosen token labels
const maxTokenLabelLength = 64

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents the login response. The session itself travels
// in a cookie.
type LoginResponse struct {
	User      UserInfo  `json:"user"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UserInfo represents basic user information
type UserInfo struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// TokenInfo describes a stored token without its secret
type TokenInfo struct {
	Label      string     `json:"label"`
	Scopes     []string   `json:"scopes"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// CreateTokenRequest asks for a new bearer token
type CreateTokenRequest struct {
	Label         string   `json:"label"`
	Scopes        []string `json:"scopes"`
	ExpiresInDays int      `json:"expires_in_days,omitempty"`
}

// CreateTokenResponse returns the secret exactly once
type CreateTokenResponse struct {
	Token string `json:"token"`
	TokenInfo
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func tokenInfo(t *database.AuthToken) TokenInfo {
	return TokenInfo{
		Label:      t.Label,
		Scopes:     auth.ParseScopes(t.Scopes),
		CreatedAt:  t.CreatedAt.UTC(),
		LastUsedAt: nullTime(t.LastUsedAt),
		ExpiresAt:  nullTime(t.ExpiresAt),
	}
}

// clientIP is the request address; RealIP has already rewritten it when
// running behind a proxy
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// login checks credentials against users and issues a cookie session of
// namespace ns
func (s *Server) login(w http.ResponseWriter, r *http.Request, ns auth.Namespace, users *database.UserRepository, method string) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	if req.Username == "" || req.Password == "" {
		s.respondError(w, r, apperr.Invalid(apperr.CodeInvalidInput, "username and password are required"))
		return
	}

	user, err := users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("load user", err))
		return
	}
	if user == nil || !user.IsActive || !s.passwords.Verify(user.PasswordHash, req.Password) {
		s.metrics.RecordAuthAttempt(method, "invalid")
		s.respondError(w, r, apperr.Unauthenticated(apperr.CodeInvalidCredentials, "invalid username or password"))
		return
	}

	cookie, err := s.sessions.Issue(r.Context(), ns, user.ID, user.Username, clientIP(r), r.UserAgent())
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("create session", err))
		return
	}
	s.metrics.RecordAuthAttempt(method, "ok")

	if err := users.UpdateLastLogin(r.Context(), user.ID); err != nil {
		// Log but don't fail
		s.logger.Warn("failed to update last login", zap.Int64("user_id", user.ID), zap.Error(err))
	}

	http.SetCookie(w, cookie)
	respondJSON(w, http.StatusOK, LoginResponse{
		User:      UserInfo{ID: user.ID, Username: user.Username},
		ExpiresAt: cookie.Expires.UTC(),
	})
}

// logout revokes the session cookie presented for ns, if any
func (s *Server) logout(w http.ResponseWriter, r *http.Request, ns auth.Namespace) {
	cookie, err := s.sessions.Revoke(r.Context(), ns, r)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("revoke session", err))
		return
	}
	http.SetCookie(w, cookie)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// handleAccountLogin starts an end-user session
// POST /api/account/login
func (s *Server) handleAccountLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, s.userNS, s.store.Users, "user_password")
}

// handleAccountLogout ends the end-user session
// POST /api/account/logout
func (s *Server) handleAccountLogout(w http.ResponseWriter, r *http.Request) {
	s.logout(w, r, s.userNS)
}

// handleListTokens lists the caller's tokens
// GET /api/account/tokens
func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	tokens, err := s.store.Tokens.ListByUser(r.Context(), account.ID)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("list tokens", err))
		return
	}

	out := make([]TokenInfo, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenInfo(t))
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tokens": out})
}

// handleCreateToken mints a bearer token for the caller. The admin scope is
// only granted through the operator CLI.
// POST /api/account/tokens
func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())

	var req CreateTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" || len(req.Label) > maxTokenLabelLength {
		s.respondError(w, r, apperr.Invalid(apperr.CodeInvalidInput, "label must be 1 to %d characters", maxTokenLabelLength))
		return
	}
	if req.ExpiresInDays < 0 {
		s.respondError(w, r, apperr.Invalid(apperr.CodeInvalidInput, "expires_in_days must not be negative"))
		return
	}
	for _, scope := range req.Scopes {
		if strings.TrimSpace(scope) == auth.ScopeAdmin {
			s.respondError(w, r, apperr.Denied("the %s scope cannot be granted to account tokens", auth.ScopeAdmin))
			return
		}
	}
	scopes, err := auth.JoinScopes(req.Scopes)
	if err != nil {
		s.respondError(w, r, apperr.Invalid(apperr.CodeInvalidInput, "%v", err))
		return
	}

	secret, hash, err := auth.GenerateToken()
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	token := &database.AuthToken{
		TokenHash: hash,
		UserID:    account.ID,
		Label:     req.Label,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}
	if req.ExpiresInDays > 0 {
		token.ExpiresAt = sql.NullTime{Time: token.CreatedAt.AddDate(0, 0, req.ExpiresInDays), Valid: true}
	}

	if err := s.store.Tokens.Create(r.Context(), token); err != nil {
		if database.IsUniqueViolation(err) {
			s.respondError(w, r, apperr.Conflicting(apperr.CodeConflict, "a token labelled %q already exists", req.Label))
			return
		}
		s.respondError(w, r, apperr.BackendFailure("create token", err))
		return
	}

	s.logger.Info("token created",
		zap.String("username", account.Username),
		zap.String("label", token.Label),
		zap.String("scopes", scopes))

	respondJSON(w, http.StatusCreated, CreateTokenResponse{Token: secret, TokenInfo: tokenInfo(token)})
}

// handleDeleteToken revokes one of the caller's tokens
// DELETE /api/account/tokens/{label}
func (s *Server) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	account := accountFrom(r.Context())
	label := chi.URLParam(r, "label")

	found, err := s.store.Tokens.DeleteByLabel(r.Context(), account.ID, label)
	if err != nil {
		s.respondError(w, r, apperr.BackendFailure("delete token", err))
		return
	}
	if !found {
		s.respondError(w, r, apperr.Missing(apperr.CodeNotFound, "no token labelled %q", label))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

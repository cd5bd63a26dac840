package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/apperr"
	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/database"
)

type contextKey int

const (
	principalKey contextKey = iota
	accountKey
)

// Account is the subject of a cookie session
type Account struct {
	ID       int64
	Username string
}

func principalFrom(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

func accountFrom(ctx context.Context) *Account {
	a, _ := ctx.Value(accountKey).(*Account)
	return a
}

// corsMiddleware adds CORS headers for requests from allowed origins
func corsMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := origin != "" && isAllowedOrigin(origin, allowedOrigins)
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if allowed {
					w.WriteHeader(http.StatusNoContent)
				} else {
					w.WriteHeader(http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isAllowedOrigin matches origin exactly against the configured list
func isAllowedOrigin(origin string, allowedOrigins []string) bool {
	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requestLogger logs each request through zap
func requestLogger(log *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

// metricsMiddleware records request counts and latency by route pattern, so
// package names never become label values
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		s.metrics.HTTPRequestsInFlight.Inc()
		defer s.metrics.HTTPRequestsInFlight.Dec()

		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		s.metrics.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(ww.Status()), time.Since(start).Seconds())
	})
}

// pubContentType marks every response of the hosted repository API
func pubContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", PubContentType)
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the bearer token on r into a principal
func (s *Server) authenticate(r *http.Request) (*auth.Principal, error) {
	result, err := s.authenticator.Authenticate(r.Context(), auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		s.metrics.RecordAuthAttempt("token", "error")
		return nil, apperr.BackendFailure("authenticate", err)
	}
	s.metrics.RecordAuthAttempt("token", result.Outcome.String())

	switch result.Outcome {
	case auth.OutcomeOK:
		return result.Principal, nil
	case auth.OutcomeMissing:
		return nil, apperr.Unauthenticated(apperr.CodeMissingAuth, "authentication required, add a token with `dart pub token add %s`", s.config.Server.BaseURL)
	case auth.OutcomeExpired:
		return nil, apperr.Unauthenticated(apperr.CodeCredentialExpired, "token has expired")
	default:
		return nil, apperr.Unauthenticated(apperr.CodeInvalidCredentials, "invalid token")
	}
}

// requireToken rejects requests without a valid bearer token
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// readAccess enforces read:all or admin when downloads require
// authentication and is a no-op otherwise
func (s *Server) readAccess(next http.Handler) http.Handler {
	if !s.config.Download.RequireAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.authenticate(r)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		if auth.Authorize(p.Scopes, auth.ActionRead, "") != auth.Allow {
			s.respondError(w, r, apperr.Denied("token lacks the %s scope", auth.ScopeReadAll))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// requireSession rejects requests without a live cookie session of the
// namespace's kind. users resolves the subject so deactivated accounts are
// locked out immediately.
func (s *Server) requireSession(ns auth.Namespace, users *database.UserRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := s.sessions.Lookup(r.Context(), ns, r)
			if err != nil {
				s.respondError(w, r, apperr.BackendFailure("lookup session", err))
				return
			}

			switch res.Outcome {
			case auth.SessionOK:
			case auth.SessionMissing:
				s.respondError(w, r, apperr.Unauthenticated(apperr.CodeMissingAuth, "login required"))
				return
			case auth.SessionExpired:
				s.respondError(w, r, apperr.Unauthenticated(apperr.CodeCredentialExpired, "session has expired"))
				return
			default:
				s.respondError(w, r, apperr.Unauthenticated(apperr.CodeInvalidCredentials, "invalid session"))
				return
			}

			user, err := users.GetByID(r.Context(), res.SubjectID)
			if err != nil {
				s.respondError(w, r, apperr.BackendFailure("load account", err))
				return
			}
			if user == nil || !user.IsActive {
				s.respondError(w, r, apperr.Unauthenticated(apperr.CodeInvalidCredentials, "account is disabled"))
				return
			}

			account := &Account{ID: user.ID, Username: user.Username}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, account)))
		})
	}
}

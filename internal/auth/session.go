package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ned1313/pub-registry/internal/database"
)

// Namespace describes one family of cookie sessions. End-user and admin
// sessions use different cookies, paths and same-site policies, and every
// lookup checks the kind recorded in both the token and the session row.
type Namespace struct {
	Kind       database.SessionKind
	CookieName string
	Path       string
	SameSite   http.SameSite
	TTL        time.Duration
}

// UserNamespace is the end-user session namespace
func UserNamespace(ttl time.Duration) Namespace {
	return Namespace{
		Kind:       database.SessionKindUser,
		CookieName: "pub_session",
		Path:       "/",
		SameSite:   http.SameSiteLaxMode,
		TTL:        ttl,
	}
}

// AdminNamespace is the administrator session namespace
func AdminNamespace(ttl time.Duration) Namespace {
	return Namespace{
		Kind:       database.SessionKindAdmin,
		CookieName: "pub_admin_session",
		Path:       "/admin",
		SameSite:   http.SameSiteStrictMode,
		TTL:        ttl,
	}
}

// SessionOutcome is the result of a cookie session lookup
type SessionOutcome int

const (
	SessionOK SessionOutcome = iota
	SessionMissing
	SessionInvalid
	SessionExpired
	SessionWrongKind
)

func (o SessionOutcome) String() string {
	switch o {
	case SessionOK:
		return "ok"
	case SessionMissing:
		return "missing"
	case SessionInvalid:
		return "invalid"
	case SessionExpired:
		return "expired"
	case SessionWrongKind:
		return "wrong_kind"
	}
	return "unknown"
}

// SessionClaims are the JWT claims carried in a session cookie
type SessionClaims struct {
	Kind     string `json:"kind"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// SessionStore is the session persistence the manager needs
type SessionStore interface {
	Create(ctx context.Context, session *database.Session) error
	GetByJTI(ctx context.Context, jti string) (*database.Session, error)
	Revoke(ctx context.Context, jti string) error
}

// SessionResult is what a lookup learned about a cookie
type SessionResult struct {
	Outcome   SessionOutcome
	SubjectID int64
	Username  string
	JTI       string
}

// SessionManager issues and checks cookie sessions
type SessionManager struct {
	key    []byte
	store  SessionStore
	secure bool
	now    func() time.Time
}

// NewSessionManager creates a session manager signing with the keyring's
// session key. secure sets the Secure attribute on issued cookies.
func NewSessionManager(keys *Keyring, store SessionStore, secure bool) *SessionManager {
	return &SessionManager{key: keys.jwtKey, store: store, secure: secure, now: time.Now}
}

// Issue starts a session for subjectID in ns and returns the cookie to set
func (m *SessionManager) Issue(ctx context.Context, ns Namespace, subjectID int64, username, ip, userAgent string) (*http.Cookie, error) {
	jtiBytes := make([]byte, 32)
	if _, err := rand.Read(jtiBytes); err != nil {
		return nil, fmt.Errorf("failed to generate JTI: %w", err)
	}
	jti := base64.RawURLEncoding.EncodeToString(jtiBytes)

	now := m.now()
	expiresAt := now.Add(ns.TTL)

	claims := &SessionClaims{
		Kind:     string(ns.Kind),
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.FormatInt(subjectID, 10),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "pub-registry",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	err = m.store.Create(ctx, &database.Session{
		Kind:      ns.Kind,
		SubjectID: subjectID,
		JTI:       jti,
		IPAddress: database.NullString(ip),
		UserAgent: database.NullString(userAgent),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     ns.CookieName,
		Value:    signed,
		Path:     ns.Path,
		Expires:  expiresAt,
		MaxAge:   int(ns.TTL.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: ns.SameSite,
	}, nil
}

func (m *SessionManager) parse(value string, opts ...jwt.ParserOption) (*SessionClaims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(value, claims, func(*jwt.Token) (interface{}, error) {
		return m.key, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Lookup checks the session cookie of ns on r. An error is returned only
// when the session store fails.
func (m *SessionManager) Lookup(ctx context.Context, ns Namespace, r *http.Request) (SessionResult, error) {
	cookie, err := r.Cookie(ns.CookieName)
	if err != nil || cookie.Value == "" {
		return SessionResult{Outcome: SessionMissing}, nil
	}

	claims, err := m.parse(cookie.Value)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return SessionResult{Outcome: SessionExpired}, nil
	}
	if err != nil {
		return SessionResult{Outcome: SessionInvalid}, nil
	}
	if claims.Kind != string(ns.Kind) {
		return SessionResult{Outcome: SessionWrongKind}, nil
	}

	row, err := m.store.GetByJTI(ctx, claims.ID)
	if err != nil {
		return SessionResult{}, err
	}
	switch {
	case row == nil, row.Revoked:
		return SessionResult{Outcome: SessionInvalid}, nil
	case row.Kind != ns.Kind:
		return SessionResult{Outcome: SessionWrongKind}, nil
	case strconv.FormatInt(row.SubjectID, 10) != claims.Subject:
		return SessionResult{Outcome: SessionInvalid}, nil
	case !m.now().Before(row.ExpiresAt):
		return SessionResult{Outcome: SessionExpired}, nil
	}

	return SessionResult{
		Outcome:   SessionOK,
		SubjectID: row.SubjectID,
		Username:  claims.Username,
		JTI:       claims.ID,
	}, nil
}

// Revoke ends the session carried by r, if any, and returns a cookie that
// clears it in the browser
func (m *SessionManager) Revoke(ctx context.Context, ns Namespace, r *http.Request) (*http.Cookie, error) {
	expired := m.ClearCookie(ns)

	cookie, err := r.Cookie(ns.CookieName)
	if err != nil || cookie.Value == "" {
		return expired, nil
	}

	// Expired sessions can still be logged out
	claims, err := m.parse(cookie.Value, jwt.WithoutClaimsValidation())
	if err != nil || claims.Kind != string(ns.Kind) {
		return expired, nil
	}

	row, err := m.store.GetByJTI(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if row != nil && row.Kind == ns.Kind && !row.Revoked {
		if err := m.store.Revoke(ctx, claims.ID); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// ClearCookie returns a cookie that deletes the ns session cookie
func (m *SessionManager) ClearCookie(ns Namespace) *http.Cookie {
	return &http.Cookie{
		Name:     ns.CookieName,
		Value:    "",
		Path:     ns.Path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: ns.SameSite,
	}
}

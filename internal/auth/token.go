package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ned1313/pub-registry/internal/database"
)

// TokenPrefix marks registry bearer tokens
const TokenPrefix = "pub_"

// Outcome is the result of checking a bearer credential
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeMissing
	OutcomeInvalid
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeMissing:
		return "missing"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeExpired:
		return "expired"
	}
	return "unknown"
}

// GenerateToken returns a new secret and the digest to persist. The secret
// is shown to its holder once and never stored.
func GenerateToken() (secret, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("failed to generate token: %w", err)
	}
	secret = TokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	return secret, HashToken(secret), nil
}

// HashToken derives the stored digest of a token secret
func HashToken(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// BearerToken extracts the credential from an Authorization header value
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// TokenStore is the token persistence the authenticator needs
type TokenStore interface {
	GetByHash(ctx context.Context, hash string) (*database.AuthToken, error)
	Touch(ctx context.Context, hash string, at time.Time) error
}

// UserLookup resolves the owner of a token
type UserLookup interface {
	GetByID(ctx context.Context, id int64) (*database.User, error)
}

// Principal is an authenticated token holder
type Principal struct {
	UserID    int64
	Username  string
	TokenHash string
	Label     string
	Scopes    []string
}

// Result is what Authenticate learned about a credential
type Result struct {
	Outcome   Outcome
	Principal *Principal
}

// Authenticator checks bearer tokens against the catalog
type Authenticator struct {
	tokens TokenStore
	users  UserLookup
	log    *zap.Logger
	now    func() time.Time
}

// NewAuthenticator creates a token authenticator
func NewAuthenticator(tokens TokenStore, users UserLookup, log *zap.Logger) *Authenticator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Authenticator{tokens: tokens, users: users, log: log, now: time.Now}
}

// Authenticate resolves a presented secret. An error is returned only when
// the backing store fails; every credential problem is an Outcome.
func (a *Authenticator) Authenticate(ctx context.Context, secret string) (Result, error) {
	if secret == "" {
		return Result{Outcome: OutcomeMissing}, nil
	}
	if !strings.HasPrefix(secret, TokenPrefix) {
		return Result{Outcome: OutcomeInvalid}, nil
	}

	hash := HashToken(secret)
	tok, err := a.tokens.GetByHash(ctx, hash)
	if err != nil {
		return Result{}, err
	}
	if tok == nil {
		return Result{Outcome: OutcomeInvalid}, nil
	}

	now := a.now()
	if tok.ExpiresAt.Valid && !now.Before(tok.ExpiresAt.Time) {
		return Result{Outcome: OutcomeExpired}, nil
	}

	user, err := a.users.GetByID(ctx, tok.UserID)
	if err != nil {
		return Result{}, err
	}
	if user == nil || !user.IsActive {
		return Result{Outcome: OutcomeInvalid}, nil
	}

	if err := a.tokens.Touch(ctx, hash, now); err != nil {
		a.log.Warn("failed to record token use", zap.String("label", tok.Label), zap.Error(err))
	}

	return Result{
		Outcome: OutcomeOK,
		Principal: &Principal{
			UserID:    tok.UserID,
			Username:  user.Username,
			TokenHash: hash,
			Label:     tok.Label,
			Scopes:    ParseScopes(tok.Scopes),
		},
	}, nil
}

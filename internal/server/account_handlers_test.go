package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ned1313/pub-registry/internal/auth"
)

func jsonHeader() http.Header {
	return http.Header{"Content-Type": {"application/json"}}
}

// loginCookie logs in at path and returns the session cookie
func (e *testEnv) loginCookie(t *testing.T, path, username, password string) *http.Cookie {
	t.Helper()
	body := `{"username":"` + username + `","password":"` + password + `"}`
	w := e.do(t, http.MethodPost, path, strings.NewReader(body), jsonHeader())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestAccountLogin(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	env.createUser(t, "alice", "correct horse")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing body", ``, http.StatusBadRequest},
		{"missing password", `{"username":"alice"}`, http.StatusBadRequest},
		{"wrong password", `{"username":"alice","password":"nope"}`, http.StatusUnauthorized},
		{"unknown user", `{"username":"bob","password":"correct horse"}`, http.StatusUnauthorized},
		{"ok", `{"username":"alice","password":"correct horse"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/account/login", strings.NewReader(tt.body), jsonHeader())
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			if tt.want == http.StatusOK {
				cookies := w.Result().Cookies()
				require.Len(t, cookies, 1)
				assert.Equal(t, "pub_session", cookies[0].Name)
				assert.True(t, cookies[0].HttpOnly)
			}
		})
	}
}

func TestAccountTokens(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	env.createUser(t, "alice", "pw")
	cookie := env.loginCookie(t, "/api/account/login", "alice", "pw")

	// Create
	w := env.do(t, http.MethodPost, "/api/account/tokens",
		strings.NewReader(`{"label":"laptop","scopes":["publish:pkg:foo","read:all"],"expires_in_days":30}`), jsonHeader(), cookie)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created CreateTokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.True(t, strings.HasPrefix(created.Token, auth.TokenPrefix))
	assert.Equal(t, []string{"publish:pkg:foo", "read:all"}, created.Scopes)
	require.NotNil(t, created.ExpiresAt)

	// The secret is stored only as a digest
	stored, err := env.store.Tokens.GetByHash(context.Background(), auth.HashToken(created.Token))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.NotEqual(t, created.Token, stored.TokenHash)

	// The new token works against the publish API
	w = env.do(t, http.MethodGet, "/api/packages/versions/new", nil, bearer(created.Token))
	assert.Equal(t, http.StatusOK, w.Code)

	// Duplicate label
	w = env.do(t, http.MethodPost, "/api/account/tokens",
		strings.NewReader(`{"label":"laptop","scopes":["read:all"]}`), jsonHeader(), cookie)
	assert.Equal(t, http.StatusConflict, w.Code)

	// List
	w = env.do(t, http.MethodGet, "/api/account/tokens", nil, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)
	var listed struct {
		Tokens []TokenInfo `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listed))
	require.Len(t, listed.Tokens, 1)
	assert.Equal(t, "laptop", listed.Tokens[0].Label)
	assert.NotContains(t, w.Body.String(), created.Token)

	// Delete
	w = env.do(t, http.MethodDelete, "/api/account/tokens/laptop", nil, nil, cookie)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, "/api/account/tokens/laptop", nil, nil, cookie)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/packages/versions/new", nil, bearer(created.Token))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccountTokenValidation(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	env.createUser(t, "alice", "pw")
	cookie := env.loginCookie(t, "/api/account/login", "alice", "pw")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"admin scope", `{"label":"x","scopes":["admin"]}`, http.StatusForbidden},
		{"unknown scope", `{"label":"x","scopes":["write:everything"]}`, http.StatusBadRequest},
		{"no scopes", `{"label":"x","scopes":[]}`, http.StatusBadRequest},
		{"empty label", `{"label":" ","scopes":["read:all"]}`, http.StatusBadRequest},
		{"negative expiry", `{"label":"x","scopes":["read:all"],"expires_in_days":-1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/account/tokens", strings.NewReader(tt.body), jsonHeader(), cookie)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestAccountLogoutRevokesSession(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	env.createUser(t, "alice", "pw")
	cookie := env.loginCookie(t, "/api/account/login", "alice", "pw")

	w := env.do(t, http.MethodPost, "/api/account/logout", nil, nil, cookie)
	require.Equal(t, http.StatusOK, w.Code)

	// The old cookie value is no longer accepted
	w = env.do(t, http.MethodGet, "/api/account/tokens", nil, nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAccountDisabledUserLockedOut(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()
	alice := env.createUser(t, "alice", "pw")
	cookie := env.loginCookie(t, "/api/account/login", "alice", "pw")

	require.NoError(t, env.store.Users.SetActive(context.Background(), alice.ID, false))

	w := env.do(t, http.MethodGet, "/api/account/tokens", nil, nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

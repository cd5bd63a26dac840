package server

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ned1313/pub-registry/internal/auth"
	"github.com/ned1313/pub-registry/internal/config"
	"github.com/ned1313/pub-registry/internal/database"
	"github.com/ned1313/pub-registry/internal/events"
	"github.com/ned1313/pub-registry/internal/metrics"
	"github.com/ned1313/pub-registry/internal/storage"
)

const testBaseURL = "http://registry.test"

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	srv     *Server
	store   *database.Store
	blobs   *storage.LocalStorage
	emitter *recordingEmitter
	reg     *prometheus.Registry
}

// setupTestServer creates a test server with a temporary database and local storage
func setupTestServer(t *testing.T, mutate ...func(*config.Config)) (*testEnv, func()) {
	t.Helper()
	tempDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.BaseURL = testBaseURL
	cfg.Server.CORSOrigins = []string{"https://console.example.com"}
	cfg.Database = config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(tempDir, "test.db"), BusyTimeoutMs: 5000}
	cfg.Storage.Type = "local"
	cfg.Storage.Path = filepath.Join(tempDir, "blobs")
	cfg.Auth.SecretKey = "test-secret-key-for-testing-only-0123456789"
	cfg.Auth.BCryptCost = 4
	cfg.Auth.SecureCookies = false
	cfg.Publish.TempDir = tempDir
	cfg.Download.RedirectToSignedURL = false
	for _, fn := range mutate {
		fn(cfg)
	}

	log := zaptest.NewLogger(t)
	db, err := database.New(context.Background(), &cfg.Database, log)
	require.NoError(t, err)

	keys, err := auth.NewKeyring(cfg.Auth.SecretKey)
	require.NoError(t, err)
	signer, err := storage.NewURLSigner(keys.URLKey())
	require.NoError(t, err)
	blobs, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: cfg.Storage.Path, BaseURL: testBaseURL, Signer: signer})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	emitter := &recordingEmitter{}
	store := database.NewStore(db)

	srv := New(Deps{
		Config:   cfg,
		Store:    store,
		Blobs:    blobs,
		Keyring:  keys,
		Logger:   log,
		Signer:   signer,
		Events:   emitter,
		Metrics:  metrics.NewWithRegistry(reg),
		Gatherer: reg,
	})

	cleanup := func() {
		srv.Shutdown(context.Background())
		db.Close()
	}
	return &testEnv{srv: srv, store: store, blobs: blobs, emitter: emitter, reg: reg}, cleanup
}

// do sends a request through the router
func (e *testEnv) do(t *testing.T, method, target string, body io.Reader, header http.Header, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		target = u.RequestURI()
	}
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// createUser adds an active end user with the given password
func (e *testEnv) createUser(t *testing.T, username, password string) *database.User {
	t.Helper()
	hash, err := auth.NewPasswords(4).Hash(password)
	require.NoError(t, err)
	user := &database.User{Username: username, PasswordHash: hash, IsActive: true}
	require.NoError(t, e.store.Users.Create(context.Background(), user))
	return user
}

// createToken stores a bearer token for user and returns its secret
func (e *testEnv) createToken(t *testing.T, user *database.User, label string, scopes ...string) string {
	t.Helper()
	secret, hash, err := auth.GenerateToken()
	require.NoError(t, err)
	joined, err := auth.JoinScopes(scopes)
	require.NoError(t, err)
	require.NoError(t, e.store.Tokens.Create(context.Background(), &database.AuthToken{
		TokenHash: hash, UserID: user.ID, Label: label, Scopes: joined,
	}))
	return secret
}

func packageArchive(t *testing.T, name, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	files := map[string]string{
		"pubspec.yaml": "name: " + name + "\nversion: " + version + "\ndescription: server test\n",
		"lib/lib.dart": "library " + name + ";\n",
	}
	for _, fname := range []string{"pubspec.yaml", "lib/lib.dart"} {
		body := files[fname]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: fname, Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func multipartArchive(t *testing.T, archive []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "package.tar.gz")
	require.NoError(t, err)
	_, err = fw.Write(archive)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

// publish runs the three-step handshake and returns the finalize response
func (e *testEnv) publish(t *testing.T, token string, archive []byte) *httptest.ResponseRecorder {
	t.Helper()

	w := e.do(t, http.MethodGet, "/api/packages/versions/new", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var session struct {
		URL    string            `json:"url"`
		Fields map[string]string `json:"fields"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	require.True(t, strings.HasPrefix(session.URL, testBaseURL+"/api/packages/versions/upload/"))

	body, contentType := multipartArchive(t, archive)
	header := bearer(token)
	header.Set("Content-Type", contentType)
	w = e.do(t, http.MethodPost, session.URL, body, header)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	location := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, testBaseURL+"/api/packages/versions/finalize/"))

	return e.do(t, http.MethodGet, location, nil, bearer(token))
}

func TestRouter(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	assert.NotNil(t, env.srv.Router())
}

func TestHandleHealth(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var response HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "local", response.Storage)
	assert.NotEmpty(t, response.Version)
}

func TestPublishAndDownload(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	alice := env.createUser(t, "alice", "pw")
	token := env.createToken(t, alice, "ci", auth.ScopePublishAll)
	archive := packageArchive(t, "foo", "1.0.0")
	sum := sha256.Sum256(archive)

	w := env.publish(t, token, archive)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var success SuccessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &success))
	assert.Equal(t, "Successfully uploaded foo version 1.0.0.", success.Success.Message)
	assert.Equal(t, []events.Type{events.TypePublish}, env.emitter.types())

	// Listing
	w = env.do(t, http.MethodGet, "/api/packages/foo", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, PubContentType, w.Header().Get("Content-Type"))
	var listing PackageListing
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Versions, 1)
	require.NotNil(t, listing.Latest)
	assert.Equal(t, "1.0.0", listing.Latest.Version)
	assert.Equal(t, hex.EncodeToString(sum[:]), listing.Latest.ArchiveSHA256)
	assert.Equal(t, testBaseURL+"/packages/foo/versions/1.0.0.tar.gz", listing.Latest.ArchiveURL)

	var pubspec map[string]interface{}
	require.NoError(t, json.Unmarshal(listing.Latest.Pubspec, &pubspec))
	assert.Equal(t, "foo", pubspec["name"])

	// Single version
	w = env.do(t, http.MethodGet, "/api/packages/foo/versions/1.0.0", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Download streams the exact bytes
	w = env.do(t, http.MethodGet, listing.Latest.ArchiveURL, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, archive, w.Body.Bytes())
	got := sha256.Sum256(w.Body.Bytes())
	assert.Equal(t, sum, got)
}

func TestDownloadRedirectsToSignedBlobURL(t *testing.T) {
	env, cleanup := setupTestServer(t, func(c *config.Config) {
		c.Download.RedirectToSignedURL = true
	})
	defer cleanup()

	alice := env.createUser(t, "alice", "pw")
	token := env.createToken(t, alice, "ci", auth.ScopePublishAll)
	archive := packageArchive(t, "bar", "2.1.0")
	require.Equal(t, http.StatusOK, env.publish(t, token, archive).Code)

	w := env.do(t, http.MethodGet, "/packages/bar/versions/2.1.0.tar.gz", nil, nil)
	require.Equal(t, http.StatusFound, w.Code)
	location := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, testBaseURL+"/blobs/published/bar/2.1.0/"), location)

	w = env.do(t, http.MethodGet, location, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, archive, w.Body.Bytes())

	// A tampered signature is rejected
	w = env.do(t, http.MethodGet, strings.Replace(location, "sig=", "sig=00", 1), nil, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPublishRequiresToken(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name   string
		header http.Header
		code   string
	}{
		{"missing", nil, "MissingAuthentication"},
		{"malformed", bearer("not-a-token"), "InvalidCredentials"},
		{"unknown", bearer(auth.TokenPrefix + "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"), "InvalidCredentials"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/packages/versions/new", nil, tt.header)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Header().Get("WWW-Authenticate"), `Bearer realm="pub"`)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestPublishScopeForbidden(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	alice := env.createUser(t, "alice", "pw")
	token := env.createToken(t, alice, "foo-only", auth.ScopePublishPkgPrefix+"foo")

	w := env.publish(t, token, packageArchive(t, "bar", "1.0.0"))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.publish(t, token, packageArchive(t, "foo", "1.0.0"))
	assert.Equal(t, http.StatusOK, w.Code)

	// Same version again
	w = env.publish(t, token, packageArchive(t, "foo", "1.0.0"))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestUploadRejectsRawBodyTooLarge(t *testing.T) {
	env, cleanup := setupTestServer(t, func(c *config.Config) {
		c.Publish.MaxUploadMB = 1
	})
	defer cleanup()

	alice := env.createUser(t, "alice", "pw")
	token := env.createToken(t, alice, "ci", auth.ScopePublishAll)

	w := env.do(t, http.MethodGet, "/api/packages/versions/new", nil, bearer(token))
	require.Equal(t, http.StatusOK, w.Code)
	var session struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))

	w = env.do(t, http.MethodPost, session.URL, bytes.NewReader(make([]byte, 2<<20)), bearer(token))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "InvalidArchive", resp.Error.Code)
}

func TestReadsRequireAuthWhenConfigured(t *testing.T) {
	env, cleanup := setupTestServer(t, func(c *config.Config) {
		c.Download.RequireAuth = true
	})
	defer cleanup()

	alice := env.createUser(t, "alice", "pw")
	publisher := env.createToken(t, alice, "ci", auth.ScopePublishAll)
	reader := env.createToken(t, alice, "read", auth.ScopeReadAll)
	require.Equal(t, http.StatusOK, env.publish(t, publisher, packageArchive(t, "foo", "1.0.0")).Code)

	w := env.do(t, http.MethodGet, "/api/packages/foo", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/packages/foo/versions/1.0.0.tar.gz", nil, bearer(publisher))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/packages/foo/versions/1.0.0.tar.gz", nil, bearer(reader))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPackageNotFound(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	for _, path := range []string{
		"/api/packages/missing",
		"/api/packages/missing/versions/1.0.0",
		"/packages/missing/versions/1.0.0.tar.gz",
		"/api/packages/Not-Valid",
	} {
		w := env.do(t, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestSearch(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	alice := env.createUser(t, "alice", "pw")
	token := env.createToken(t, alice, "ci", auth.ScopePublishAll)
	for _, name := range []string{"http_client", "http_server", "yaml"} {
		require.Equal(t, http.StatusOK, env.publish(t, token, packageArchive(t, name, "1.0.0")).Code)
	}

	w := env.do(t, http.MethodGet, "/api/search?q=http", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp SearchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.ElementsMatch(t, []SearchHit{{Package: "http_client"}, {Package: "http_server"}}, resp.Packages)
	assert.Empty(t, resp.Next)
}

func TestHandleMetrics(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	env.do(t, http.MethodGet, "/health", nil, nil)

	w := env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pub_registry_http_requests_total")
	assert.Contains(t, w.Body.String(), `path="/health"`)
}

func TestCORSMiddleware(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	w := env.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": {"https://console.example.com"}})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	// Substrings of an allowed origin do not match
	w = env.do(t, http.MethodGet, "/health", nil, http.Header{"Origin": {"https://console.example.com.evil.test"}})
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	env, cleanup := setupTestServer(t)
	defer cleanup()

	header := http.Header{
		"Origin":                        {"https://console.example.com"},
		"Access-Control-Request-Method": {"POST"},
	}
	w := env.do(t, http.MethodOptions, "/api/account/login", nil, header)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://console.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	header.Set("Origin", "https://other.example.com")
	w = env.do(t, http.MethodOptions, "/api/account/login", nil, header)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

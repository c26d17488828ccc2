package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/devitway/nora/pkg/config"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Path = t.TempDir()
	cfg.Auth.TokenStorage = filepath.Join(t.TempDir(), "tokens")
	cfg.Auth.HtpasswdFile = filepath.Join(t.TempDir(), "users.htpasswd")
	cfg.Docker.Upstreams = nil
	cfg.Maven.Proxies = nil
	cfg.Npm.Proxy = ""
	cfg.Pypi.Proxy = ""
	if mutate != nil {
		mutate(cfg)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s, err := New(cfg, logger)
	require.NoError(t, err)
	return s
}

func do(s *Server, method, target string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "local", resp.Storage.Backend)
	assert.True(t, resp.Storage.Reachable)
	assert.Contains(t, resp.Registries, "docker")
}

func TestReady(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/ready", nil, nil).Code)
}

func TestRequestIDEcho(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "abc-123"})
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = do(s, http.MethodGet, "/health", nil, nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestBodyLimitPrecheck(t *testing.T) {
	s := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodPut, "/maven2/com/example/a/1/a-1.jar", strings.NewReader("x"))
	req.ContentLength = maxBodySize + 1
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	do(s, http.MethodGet, "/health", nil, nil)

	rec := do(s, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nora_http_requests_total")
}

func TestRateLimitAuthBucket(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.AuthRPS = 1
		cfg.RateLimit.AuthBurst = 2
	})

	codes := make(map[int]int)
	for i := 0; i < 5; i++ {
		rec := do(s, http.MethodPost, "/api/tokens", []byte(`{}`), nil)
		codes[rec.Code]++
	}
	assert.Positive(t, codes[http.StatusTooManyRequests])
}

func TestRateLimitSparesOperationalEndpoints(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.GeneralRPS = 1
		cfg.RateLimit.GeneralBurst = 2
	})

	// Exhaust the general bucket with registry traffic.
	for i := 0; i < 4; i++ {
		do(s, http.MethodGet, "/v2/_catalog", nil, nil)
	}
	rec := do(s, http.MethodGet, "/v2/_catalog", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Monitoring and dashboard endpoints stay reachable.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/metrics", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/ready", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/api/ui/activity", nil, nil).Code)
}

func TestAuthRequiredForRegistry(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(cfg.Auth.HtpasswdFile, []byte("alice:"+string(hash)+"\n"), 0600))
	})

	// Registry paths challenge anonymous clients.
	rec := do(s, http.MethodGet, "/maven2/com/example/a/1/a-1.jar", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("Www-Authenticate"), "Basic")

	// Health stays public.
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health", nil, nil).Code)

	// Valid Basic credentials reach the adapter.
	req := httptest.NewRequest(http.MethodGet, "/maven2/com/example/a/1/a-1.jar", nil)
	req.SetBasicAuth("alice", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUIEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	pom := []byte("<project/>")
	rec := do(s, http.MethodPut, "/maven2/com/example/app/1.0/app-1.0.pom", pom, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(s, http.MethodGet, "/api/ui/repos/maven?page=1&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var repos reposResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repos))
	require.Equal(t, 1, repos.Total)
	assert.Equal(t, "com", repos.Repos[0].Name)

	rec = do(s, http.MethodGet, "/api/ui/repos/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(s, http.MethodGet, "/api/ui/activity", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Push")

	rec = do(s, http.MethodGet, "/api/ui/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "uploads")
}

func TestEndToEndDockerThroughStack(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(s, http.MethodGet, "/v2/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-API-Version"))

	manifest := []byte(`{"schemaVersion":2,"layers":[{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":1}]}`)
	rec = do(s, http.MethodPut, "/v2/app/manifests/v1", manifest, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(s, http.MethodGet, "/v2/app/manifests/v1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.Bytes())
}

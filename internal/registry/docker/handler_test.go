package docker

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devitway/nora/internal/activity"
	"github.com/devitway/nora/internal/index"
	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/pkg/config"
)

func newTestHandler(t *testing.T, upstreams []string) (*mux.Router, storage.Backend) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	backend, err := storage.NewLocal(t.TempDir(), logger)
	require.NoError(t, err)
	store := storage.WithValidation(backend)

	deps := &registry.Deps{
		Store:     store,
		Activity:  activity.NewLog(50),
		Dashboard: metrics.NewDashboard(),
		Indexes:   index.NewSet(),
		Logger:    logger,
	}
	h := New(deps, config.DockerConfig{Upstreams: upstreams, ProxyTimeout: 5})

	router := mux.NewRouter()
	router.SkipClean(true)
	router.UseEncodedPath()
	h.Register(router)
	return router, store
}

func do(router *mux.Router, method, target string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, target, bytes.NewReader(body)))
	return rec
}

func TestDashboardAccounting(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	backend, err := storage.NewLocal(t.TempDir(), logger)
	require.NoError(t, err)

	deps := &registry.Deps{
		Store:     storage.WithValidation(backend),
		Activity:  activity.NewLog(50),
		Dashboard: metrics.NewDashboard(),
		Indexes:   index.NewSet(),
		Logger:    logger,
	}
	h := New(deps, config.DockerConfig{ProxyTimeout: 5})
	router := mux.NewRouter()
	router.SkipClean(true)
	router.UseEncodedPath()
	h.Register(router)

	manifest := []byte(`{"schemaVersion":2}`)
	rec := do(router, http.MethodPut, "/v2/app/manifests/v1", manifest)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(router, http.MethodGet, "/v2/app/manifests/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	snap := deps.Dashboard.Snapshot()
	assert.Equal(t, int64(1), snap.Uploads["docker"])
	assert.Equal(t, int64(1), snap.Downloads["docker"])
	assert.Equal(t, int64(1), snap.CacheHits)
	assert.Equal(t, int64(0), snap.CacheMisses)

	entries := deps.Activity.Recent(10)
	require.Len(t, entries, 2)
	assert.Equal(t, activity.ActionCacheHit, entries[0].Action)
	assert.Equal(t, activity.ActionPush, entries[1].Action)
}

func TestAPIVersion(t *testing.T) {
	router, _ := newTestHandler(t, nil)
	rec := do(router, http.MethodGet, "/v2/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "registry/2.0", rec.Header().Get("Docker-Distribution-API-Version"))
	assert.Equal(t, "{}", rec.Body.String())
}

func TestChunkedUpload(t *testing.T) {
	router, store := newTestHandler(t, nil)

	// POST opens a session.
	rec := do(router, http.MethodPost, "/v2/app/blobs/uploads/", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := rec.Header().Get("Docker-Upload-UUID")
	require.NotEmpty(t, id)
	assert.Equal(t, "/v2/app/blobs/uploads/"+id, rec.Header().Get("Location"))

	// Two PATCH chunks.
	rec = do(router, http.MethodPatch, "/v2/app/blobs/uploads/"+id, []byte("hello"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0-4", rec.Header().Get("Range"))

	rec = do(router, http.MethodPatch, "/v2/app/blobs/uploads/"+id, []byte("world"))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0-9", rec.Header().Get("Range"))

	// PUT finalizes under the digest of "helloworld".
	digest := "sha256:936a185caaa266bb9cbe981e9e05cb78cd732b0b3280eb944412bb6f8f8f07af"
	rec = do(router, http.MethodPut, "/v2/app/blobs/uploads/"+id+"?digest="+digest, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "/v2/app/blobs/"+digest, rec.Header().Get("Location"))

	// The blob is retrievable.
	rec = do(router, http.MethodGet, "/v2/app/blobs/"+digest, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "helloworld", rec.Body.String())
	assert.Equal(t, digest, rec.Header().Get("Docker-Content-Digest"))

	// A second PUT against the consumed session is gone.
	rec = do(router, http.MethodPatch, "/v2/app/blobs/uploads/"+id, []byte("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	data, err := store.Get(context.Background(), "docker/app/blobs/"+digest)
	require.NoError(t, err)
	assert.Equal(t, "helloworld", string(data))
}

func TestEmptyUpload(t *testing.T) {
	router, _ := newTestHandler(t, nil)

	rec := do(router, http.MethodPost, "/v2/app/blobs/uploads/", nil)
	id := rec.Header().Get("Docker-Upload-UUID")

	rec = do(router, http.MethodPatch, "/v2/app/blobs/uploads/"+id, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "0-0", rec.Header().Get("Range"))

	emptyDigest := "sha256:" + hex.EncodeToString(func() []byte {
		sum := sha256.Sum256(nil)
		return sum[:]
	}())
	rec = do(router, http.MethodPut, "/v2/app/blobs/uploads/"+id+"?digest="+emptyDigest, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(router, http.MethodGet, "/v2/app/blobs/"+emptyDigest, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestMonolithicUpload(t *testing.T) {
	router, _ := newTestHandler(t, nil)

	sum := sha256.Sum256([]byte("solo"))
	digest := "sha256:" + hex.EncodeToString(sum[:])

	rec := do(router, http.MethodPost, "/v2/app/blobs/uploads/", nil)
	id := rec.Header().Get("Docker-Upload-UUID")

	rec = do(router, http.MethodPut, "/v2/app/blobs/uploads/"+id+"?digest="+digest, []byte("solo"))
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestManifestPutGetRoundTrip(t *testing.T) {
	router, store := newTestHandler(t, nil)
	ctx := context.Background()

	manifest := []byte(`{"schemaVersion":2,"config":{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":10},"layers":[{"digest":"sha256:` + strings.Repeat("b", 64) + `","size":20}]}`)
	sum := sha256.Sum256(manifest)
	wantDigest := "sha256:" + hex.EncodeToString(sum[:])

	rec := do(router, http.MethodPut, "/v2/app/manifests/v1", manifest)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, wantDigest, rec.Header().Get("Docker-Content-Digest"))
	assert.Equal(t, "/v2/app/manifests/v1", rec.Header().Get("Location"))

	// Both the tag and the digest key hold identical bytes.
	tagged, err := store.Get(ctx, "docker/app/manifests/v1.json")
	require.NoError(t, err)
	byDigest, err := store.Get(ctx, "docker/app/manifests/"+wantDigest+".json")
	require.NoError(t, err)
	assert.Equal(t, tagged, byDigest)
	assert.Equal(t, manifest, tagged)

	// Metadata sidecars exist for both forms.
	metaBytes, err := store.Get(ctx, "docker/app/manifests/v1.meta.json")
	require.NoError(t, err)
	var meta ImageMetadata
	require.NoError(t, json.Unmarshal(metaBytes, &meta))
	assert.Equal(t, int64(20), meta.SizeBytes)
	require.Len(t, meta.Layers, 1)

	// GET returns identical bytes with digest and media type headers.
	rec = do(router, http.MethodGet, "/v2/app/manifests/v1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.Bytes())
	assert.Equal(t, wantDigest, rec.Header().Get("Docker-Content-Digest"))
	assert.Equal(t, MediaTypeDockerManifest, rec.Header().Get("Content-Type"))

	// Repeated PUT yields the same digest.
	rec = do(router, http.MethodPut, "/v2/app/manifests/v1", manifest)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, wantDigest, rec.Header().Get("Docker-Content-Digest"))
}

func TestManifestGetByDigest(t *testing.T) {
	router, _ := newTestHandler(t, nil)

	manifest := []byte(`{"schemaVersion":2,"layers":[{"digest":"sha256:` + strings.Repeat("c", 64) + `","size":5}]}`)
	sum := sha256.Sum256(manifest)
	digest := "sha256:" + hex.EncodeToString(sum[:])

	rec := do(router, http.MethodPut, "/v2/app/manifests/latest", manifest)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(router, http.MethodGet, "/v2/app/manifests/"+digest, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.Bytes())
}

func TestTwoSegmentNames(t *testing.T) {
	router, store := newTestHandler(t, nil)

	manifest := []byte(`{"schemaVersion":2,"layers":[{"digest":"sha256:` + strings.Repeat("d", 64) + `","size":1}]}`)
	rec := do(router, http.MethodPut, "/v2/library/alpine/manifests/latest", manifest)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The slash-containing name is one atomic storage segment pair.
	_, err := store.Get(context.Background(), "docker/library/alpine/manifests/latest.json")
	require.NoError(t, err)

	rec = do(router, http.MethodGet, "/v2/library/alpine/tags/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tags struct {
		Name string   `json:"name"`
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	assert.Equal(t, "library/alpine", tags.Name)
	assert.Equal(t, []string{"latest"}, tags.Tags)
}

func TestTagsListExcludesMetadata(t *testing.T) {
	router, _ := newTestHandler(t, nil)

	for _, tag := range []string{"v1", "v2"} {
		manifest := []byte(`{"schemaVersion":2,"layers":[{"digest":"sha256:` + strings.Repeat("e", 64) + `","size":1}]}`)
		rec := do(router, http.MethodPut, "/v2/app/manifests/"+tag, manifest)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := do(router, http.MethodGet, "/v2/app/tags/list", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tags struct {
		Tags []string `json:"tags"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tags))
	// Digest-form manifests show up too, but never a .meta.json.
	for _, tag := range tags.Tags {
		assert.NotContains(t, tag, ".meta")
	}
	assert.Contains(t, tags.Tags, "v1")
	assert.Contains(t, tags.Tags, "v2")
}

func TestCatalog(t *testing.T) {
	router, _ := newTestHandler(t, nil)

	manifest := []byte(`{"schemaVersion":2,"layers":[{"digest":"sha256:` + strings.Repeat("f", 64) + `","size":1}]}`)
	require.Equal(t, http.StatusCreated, do(router, http.MethodPut, "/v2/app/manifests/v1", manifest).Code)
	require.Equal(t, http.StatusCreated, do(router, http.MethodPut, "/v2/library/alpine/manifests/v1", manifest).Code)

	rec := do(router, http.MethodGet, "/v2/_catalog", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var catalog struct {
		Repositories []string `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &catalog))
	assert.Contains(t, catalog.Repositories, "app")
	assert.Contains(t, catalog.Repositories, "library")
}

func TestBlobHead(t *testing.T) {
	router, store := newTestHandler(t, nil)
	digest := "sha256:" + strings.Repeat("a", 64)
	require.NoError(t, store.Put(context.Background(), "docker/app/blobs/"+digest, []byte("12345")))

	rec := do(router, http.MethodHead, "/v2/app/blobs/"+digest, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))

	rec = do(router, http.MethodHead, "/v2/app/blobs/sha256:"+strings.Repeat("b", 64), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTraversalNameRejected(t *testing.T) {
	router, _ := newTestHandler(t, nil)
	rec := do(router, http.MethodGet, "/v2/..%2Fetc%2Fpasswd/manifests/latest", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidDigestRejected(t *testing.T) {
	router, _ := newTestHandler(t, nil)
	rec := do(router, http.MethodGet, "/v2/app/blobs/sha256:short", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBlobMissingNoUpstreams(t *testing.T) {
	router, _ := newTestHandler(t, nil)
	rec := do(router, http.MethodGet, "/v2/app/blobs/sha256:"+strings.Repeat("a", 64), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestProxyFetchWithTokenNegotiation exercises the full upstream auth
// loop: 401 with a challenge, token service call, authorized retry and
// background write-back.
func TestProxyFetchWithTokenNegotiation(t *testing.T) {
	manifest := []byte(`{"schemaVersion":2,"mediaType":"` + MediaTypeDockerManifest + `","layers":[{"digest":"sha256:` + strings.Repeat("a", 64) + `","size":3}]}`)

	var upstreamServer *httptest.Server
	upstreamServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			require.Equal(t, "test-registry", r.URL.Query().Get("service"))
			require.Equal(t, "repository:library/alpine:pull", r.URL.Query().Get("scope"))
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"token":"tok123"}`)
		case r.URL.Path == "/v2/library/alpine/manifests/latest":
			if r.Header.Get("Authorization") != "Bearer tok123" {
				w.Header().Set("Www-Authenticate",
					fmt.Sprintf(`Bearer realm=%q,service="test-registry"`, upstreamServer.URL+"/token"))
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			require.Contains(t, r.Header.Get("Accept"), "manifest")
			w.Header().Set("Content-Type", MediaTypeDockerManifest)
			w.Write(manifest)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer upstreamServer.Close()

	router, store := newTestHandler(t, []string{upstreamServer.URL})

	rec := do(router, http.MethodGet, "/v2/library/alpine/manifests/latest", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, manifest, rec.Body.Bytes())

	sum := sha256.Sum256(manifest)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), rec.Header().Get("Docker-Content-Digest"))

	// The write-back lands in storage shortly after the response.
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "docker/library/alpine/manifests/latest.json")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	// The digest-form key and metadata sidecar follow.
	digestKey := "docker/library/alpine/manifests/sha256:" + hex.EncodeToString(sum[:]) + ".json"
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), digestKey)
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProxyAllUpstreamsFail(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer down.Close()

	router, _ := newTestHandler(t, []string{down.URL})
	rec := do(router, http.MethodGet, "/v2/app/manifests/latest", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionReaper(t *testing.T) {
	s := newSessionStore()
	id := s.Create()
	s.Append(id, []byte("abc"))

	require.Equal(t, 0, s.reap(time.Hour))
	require.Equal(t, 1, s.Len())

	// An instant TTL reaps everything untouched "since the future".
	require.Equal(t, 1, s.reap(-time.Second))
	require.Equal(t, 0, s.Len())
}

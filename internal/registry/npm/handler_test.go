package npm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
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

func newTestHandler(t *testing.T, proxy string) (*mux.Router, storage.Backend) {
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
	h := New(deps, config.NpmConfig{Proxy: proxy, ProxyTimeout: 5})

	router := mux.NewRouter()
	router.SkipClean(true)
	router.UseEncodedPath()
	h.Register(router)
	return router, store
}

func get(router *mux.Router, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestLocalMetadata(t *testing.T) {
	router, store := newTestHandler(t, "")
	doc := []byte(`{"name":"left-pad","versions":{}}`)
	require.NoError(t, store.Put(context.Background(), "npm/left-pad/metadata.json", doc))

	rec := get(router, "/npm/left-pad")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doc, rec.Body.Bytes())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestLocalTarball(t *testing.T) {
	router, store := newTestHandler(t, "")
	tgz := []byte("tarball-bytes")
	require.NoError(t, store.Put(context.Background(), "npm/left-pad/tarballs/left-pad-1.3.0.tgz", tgz))

	rec := get(router, "/npm/left-pad/-/left-pad-1.3.0.tgz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tgz, rec.Body.Bytes())
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestScopedPackage(t *testing.T) {
	router, store := newTestHandler(t, "")
	doc := []byte(`{"name":"@babel/core"}`)
	require.NoError(t, store.Put(context.Background(), "npm/@babel/core/metadata.json", doc))

	rec := get(router, "/npm/@babel/core")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doc, rec.Body.Bytes())
}

func TestProxyMetadataFill(t *testing.T) {
	doc := []byte(`{"name":"express"}`)
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/express", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	}))
	defer up.Close()

	router, store := newTestHandler(t, up.URL)
	rec := get(router, "/npm/express")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, doc, rec.Body.Bytes())

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "npm/express/metadata.json")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProxyTarballFill(t *testing.T) {
	tgz := []byte("proxied-tarball")
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/express/-/express-4.18.2.tgz", r.URL.Path)
		fmt.Fprintf(w, "%s", tgz)
	}))
	defer up.Close()

	router, store := newTestHandler(t, up.URL)
	rec := get(router, "/npm/express/-/express-4.18.2.tgz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tgz, rec.Body.Bytes())

	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "npm/express/tarballs/express-4.18.2.tgz")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestMissWithoutProxy(t *testing.T) {
	router, _ := newTestHandler(t, "")
	assert.Equal(t, http.StatusNotFound, get(router, "/npm/nope").Code)
}

func TestInvalidNameRejected(t *testing.T) {
	router, _ := newTestHandler(t, "")
	assert.Equal(t, http.StatusBadRequest, get(router, "/npm/..%2F..%2Fetc").Code)
}

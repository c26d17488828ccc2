// Package maven serves a Maven 2 repository layout under /maven2/ with
// a pull-through proxy chain and direct PUT deployment.
package maven

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/registry/upstream"
	"github.com/devitway/nora/internal/validation"
	"github.com/devitway/nora/pkg/config"
)

const writeBackTimeout = 30 * time.Second

// Handler maps /maven2/{path} onto the maven/ storage namespace.
type Handler struct {
	deps    *registry.Deps
	proxies []string
	client  *upstream.Client
	logger  *logrus.Entry
}

func New(deps *registry.Deps, cfg config.MavenConfig) *Handler {
	timeout := time.Duration(cfg.ProxyTimeout) * time.Second
	return &Handler{
		deps:    deps,
		proxies: cfg.Proxies,
		client:  upstream.NewClient(timeout),
		logger:  deps.Logger.WithField("registry", "maven"),
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/maven2/{path:.*}", h.get).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/maven2/{path:.*}", h.put).Methods(http.MethodPut)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	path, key, ok := h.artifactKey(w, r)
	if !ok {
		return
	}

	data, err := h.deps.Store.Get(r.Context(), key)
	if err == nil {
		h.deps.RecordHit("maven", artifactName(path))
		registry.ServeBytes(w, r, contentTypeFor(path), data)
		return
	}

	resp := h.proxyFetch(r.Context(), path)
	if resp == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.writeBack(key, resp.Body)
	h.deps.RecordProxyFill("maven", artifactName(path))

	contentType := resp.ContentType
	if contentType == "" {
		contentType = contentTypeFor(path)
	}
	registry.ServeBytes(w, r, contentType, resp.Body)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	path, key, ok := h.artifactKey(w, r)
	if !ok {
		return
	}
	body, ok := registry.ReadBody(w, r)
	if !ok {
		return
	}

	if err := h.deps.Store.Put(r.Context(), key, body); err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	h.deps.RecordPush("maven", artifactName(path))
	w.WriteHeader(http.StatusCreated)
}

// proxyFetch walks the proxy chain in configured order and returns the
// first successful response, or nil when every upstream misses.
func (h *Handler) proxyFetch(ctx context.Context, path string) *upstream.Response {
	for _, proxy := range h.proxies {
		url := strings.TrimSuffix(proxy, "/") + "/" + path
		resp, err := h.client.GetShared(ctx, url)
		if err != nil {
			h.logger.WithError(err).WithField("upstream", proxy).Debug("upstream fetch failed")
			continue
		}
		if resp.OK() {
			return resp
		}
	}
	return nil
}

func (h *Handler) writeBack(key string, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := h.deps.Store.Put(ctx, key, data); err != nil {
			h.logger.WithError(err).WithField("key", key).Warn("write-back failed")
			return
		}
		h.deps.Indexes.Invalidate("maven")
	}()
}

// artifactKey validates the request path and derives the storage key.
func (h *Handler) artifactKey(w http.ResponseWriter, r *http.Request) (path, key string, ok bool) {
	path = registry.PathVar(r, "path")
	key = "maven/" + path
	if err := validation.StorageKey(key); err != nil {
		registry.WriteValidationError(w, err)
		return "", "", false
	}
	return path, key, true
}

// artifactName is the display form of a maven path: the trailing
// artifact/version/file triple.
func artifactName(path string) string {
	segments := strings.Split(path, "/")
	if len(segments) > 3 {
		segments = segments[len(segments)-3:]
	}
	return strings.Join(segments, "/")
}

func contentTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".pom"), strings.HasSuffix(path, ".xml"):
		return "application/xml"
	case strings.HasSuffix(path, ".jar"):
		return "application/java-archive"
	case strings.HasSuffix(path, ".sha1"), strings.HasSuffix(path, ".md5"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

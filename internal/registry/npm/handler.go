// Package npm serves npm package metadata and tarballs under /npm/
// with a single pull-through upstream.
package npm

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

// Handler maps /npm/{path} onto the npm/ storage namespace. A path
// containing the npm tarball marker "/-/" is a tarball download, every
// other path is package metadata.
type Handler struct {
	deps   *registry.Deps
	proxy  string
	client *upstream.Client
	logger *logrus.Entry
}

func New(deps *registry.Deps, cfg config.NpmConfig) *Handler {
	timeout := time.Duration(cfg.ProxyTimeout) * time.Second
	return &Handler{
		deps:   deps,
		proxy:  strings.TrimSuffix(cfg.Proxy, "/"),
		client: upstream.NewClient(timeout),
		logger: deps.Logger.WithField("registry", "npm"),
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/npm/{path:.*}", h.get).Methods(http.MethodGet, http.MethodHead)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	path := registry.PathVar(r, "path")

	pkg, file, isTarball := strings.Cut(path, "/-/")
	if err := validation.NpmName(pkg); err != nil {
		registry.WriteValidationError(w, err)
		return
	}

	var key, contentType, artifact string
	if isTarball {
		file = file[strings.LastIndex(file, "/")+1:]
		key = "npm/" + pkg + "/tarballs/" + file
		contentType = "application/octet-stream"
		artifact = file
	} else {
		key = "npm/" + pkg + "/metadata.json"
		contentType = "application/json"
		artifact = pkg
	}
	if err := validation.StorageKey(key); err != nil {
		registry.WriteValidationError(w, err)
		return
	}

	data, err := h.deps.Store.Get(r.Context(), key)
	if err == nil {
		h.deps.RecordHit("npm", artifact)
		registry.ServeBytes(w, r, contentType, data)
		return
	}

	if h.proxy == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp, err := h.client.GetShared(r.Context(), h.proxy+"/"+path)
	if err != nil || !resp.OK() {
		if err != nil {
			h.logger.WithError(err).WithField("path", path).Debug("upstream fetch failed")
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.writeBack(key, resp.Body)
	h.deps.RecordProxyFill("npm", artifact)

	if resp.ContentType != "" {
		contentType = resp.ContentType
	}
	registry.ServeBytes(w, r, contentType, resp.Body)
}

func (h *Handler) writeBack(key string, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := h.deps.Store.Put(ctx, key, data); err != nil {
			h.logger.WithError(err).WithField("key", key).Warn("write-back failed")
			return
		}
		h.deps.Indexes.Invalidate("npm")
	}()
}

// Package raw exposes plain blob CRUD under /raw/. It is the only
// adapter that deletes user data, and it is disabled unless configured
// on.
package raw

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/internal/validation"
	"github.com/devitway/nora/pkg/config"
)

// Handler maps /raw/{path} onto the raw/ storage namespace.
type Handler struct {
	deps        *registry.Deps
	enabled     bool
	maxFileSize int64
	logger      *logrus.Entry
}

func New(deps *registry.Deps, cfg config.RawConfig) *Handler {
	return &Handler{
		deps:        deps,
		enabled:     cfg.Enabled,
		maxFileSize: cfg.MaxFileSize,
		logger:      deps.Logger.WithField("registry", "raw"),
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/raw/{path:.*}", h.get).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/raw/{path:.*}", h.put).Methods(http.MethodPut)
	r.HandleFunc("/raw/{path:.*}", h.delete).Methods(http.MethodDelete)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key, ok := h.blobKey(w, r)
	if !ok {
		return
	}
	data, err := h.deps.Store.Get(r.Context(), key)
	if err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	h.deps.RecordLocalPull("raw", strings.TrimPrefix(key, "raw/"))
	registry.ServeBytes(w, r, contentTypeFor(key), data)
}

func (h *Handler) put(w http.ResponseWriter, r *http.Request) {
	key, ok := h.blobKey(w, r)
	if !ok {
		return
	}
	if h.maxFileSize > 0 {
		if r.ContentLength > h.maxFileSize {
			http.Error(w, "file exceeds configured size limit", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize)
	}
	body, ok := registry.ReadBody(w, r)
	if !ok {
		return
	}
	if err := h.deps.Store.Put(r.Context(), key, body); err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	h.deps.RecordPush("raw", strings.TrimPrefix(key, "raw/"))
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	key, ok := h.blobKey(w, r)
	if !ok {
		return
	}
	if err := h.deps.Store.Delete(r.Context(), key); err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		registry.WriteStorageError(w, err)
		return
	}
	h.deps.Indexes.Invalidate("raw")
	w.WriteHeader(http.StatusNoContent)
}

// blobKey gates on the enabled flag before validating, so a disabled
// adapter is indistinguishable from an absent one.
func (h *Handler) blobKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	if !h.enabled {
		http.Error(w, "not found", http.StatusNotFound)
		return "", false
	}
	key := "raw/" + registry.PathVar(r, "path")
	if err := validation.StorageKey(key); err != nil {
		registry.WriteValidationError(w, err)
		return "", false
	}
	return key, true
}

func contentTypeFor(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

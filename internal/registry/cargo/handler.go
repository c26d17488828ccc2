// Package cargo serves a minimal crates registry API backed by local
// storage only. Crates land here via the storage layer directly or via
// backup restore; there is no upstream proxy for this protocol.
package cargo

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/validation"
)

// Handler maps the crates API onto the cargo/ storage namespace.
type Handler struct {
	deps   *registry.Deps
	logger *logrus.Entry
}

func New(deps *registry.Deps) *Handler {
	return &Handler{
		deps:   deps,
		logger: deps.Logger.WithField("registry", "cargo"),
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/cargo/api/v1/crates/{name}", h.metadata).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/cargo/api/v1/crates/{name}/{version}/download", h.download).Methods(http.MethodGet, http.MethodHead)
}

func (h *Handler) metadata(w http.ResponseWriter, r *http.Request) {
	name, ok := h.crateName(w, r)
	if !ok {
		return
	}

	data, err := h.deps.Store.Get(r.Context(), "cargo/"+name+"/metadata.json")
	if err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	h.deps.RecordLocalPull("cargo", name)
	registry.ServeBytes(w, r, "application/json", data)
}

func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	name, ok := h.crateName(w, r)
	if !ok {
		return
	}
	version := registry.PathVar(r, "version")

	key := fmt.Sprintf("cargo/%s/%s/%s-%s.crate", name, version, name, version)
	if err := validation.StorageKey(key); err != nil {
		registry.WriteValidationError(w, err)
		return
	}
	data, err := h.deps.Store.Get(r.Context(), key)
	if err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	h.deps.RecordLocalPull("cargo", fmt.Sprintf("%s-%s", name, version))
	registry.ServeBytes(w, r, "application/octet-stream", data)
}

func (h *Handler) crateName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := registry.PathVar(r, "name")
	if err := validation.CrateName(name); err != nil {
		registry.WriteValidationError(w, err)
		return "", false
	}
	return name, true
}

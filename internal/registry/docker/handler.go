// Package docker implements the OCI Distribution v2 subset: pull and
// push, catalog, tag listing, chunked blob uploads and the
// pull-through proxy cache with upstream token negotiation.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	godigest "github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/registry"
	"github.com/devitway/nora/internal/registry/upstream"
	"github.com/devitway/nora/internal/storage"
	"github.com/devitway/nora/internal/validation"
	"github.com/devitway/nora/pkg/config"
)

// writeBackTimeout bounds the background cache-fill writes spawned
// after a response has been served.
const writeBackTimeout = 30 * time.Second

// Handler serves the /v2 routing surface.
type Handler struct {
	deps      *registry.Deps
	upstreams []string
	client    *client
	sessions  *sessionStore
	logger    *logrus.Entry
}

// New builds the Docker adapter.
func New(deps *registry.Deps, cfg config.DockerConfig) *Handler {
	timeout := time.Duration(cfg.ProxyTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger := deps.Logger.WithField("component", "docker")
	return &Handler{
		deps:      deps,
		upstreams: cfg.Upstreams,
		client:    newClient(timeout, logger),
		sessions:  newSessionStore(),
		logger:    logger,
	}
}

// namePattern matches repository names of one or two path segments.
// It is deliberately permissive: the handlers validate the decoded
// name so traversal attempts get a 400 instead of a router 404.
const namePattern = `{name:[^/]+(?:/[^/]+)?}`

// Register mounts all /v2 routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/v2", h.apiVersion).Methods(http.MethodGet)
	r.HandleFunc("/v2/", h.apiVersion).Methods(http.MethodGet)
	r.HandleFunc("/v2/_catalog", h.catalog).Methods(http.MethodGet)

	sub := r.PathPrefix("/v2/").Subrouter()
	sub.HandleFunc("/"+namePattern+"/tags/list", h.tags).Methods(http.MethodGet)
	sub.HandleFunc("/"+namePattern+"/manifests/{reference}", h.getManifest).Methods(http.MethodGet, http.MethodHead)
	sub.HandleFunc("/"+namePattern+"/manifests/{reference}", h.putManifest).Methods(http.MethodPut)
	sub.HandleFunc("/"+namePattern+"/blobs/uploads/", h.startUpload).Methods(http.MethodPost)
	sub.HandleFunc("/"+namePattern+"/blobs/uploads/{uuid}", h.patchUpload).Methods(http.MethodPatch)
	sub.HandleFunc("/"+namePattern+"/blobs/uploads/{uuid}", h.putUpload).Methods(http.MethodPut)
	sub.HandleFunc("/"+namePattern+"/blobs/{digest}", h.blob).Methods(http.MethodGet, http.MethodHead)
}

// StartSessionReaper launches the background upload-session GC.
func (h *Handler) StartSessionReaper(ctx context.Context) {
	h.sessions.startReaper(ctx, h.logger)
}

func (h *Handler) apiVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}

func (h *Handler) catalog(w http.ResponseWriter, r *http.Request) {
	keys, err := h.deps.Store.List(r.Context(), "docker/")
	if err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	seen := map[string]bool{}
	repositories := []string{}
	for _, key := range keys {
		rest := key[len("docker/"):]
		name, _, _ := strings.Cut(rest, "/")
		if name != "" && !seen[name] {
			seen[name] = true
			repositories = append(repositories, name)
		}
	}
	writeJSON(w, map[string]any{"repositories": repositories})
}

func (h *Handler) tags(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	prefix := "docker/" + name + "/manifests/"
	keys, err := h.deps.Store.List(r.Context(), prefix)
	if err != nil {
		registry.WriteStorageError(w, err)
		return
	}
	tags := []string{}
	for _, key := range keys {
		base := key[len(prefix):]
		if strings.HasSuffix(base, ".meta.json") || !strings.HasSuffix(base, ".json") {
			continue
		}
		tags = append(tags, base[:len(base)-len(".json")])
	}
	writeJSON(w, map[string]any{"name": name, "tags": tags})
}

// blob serves HEAD and GET for content-addressed blobs. GET is
// read-through: a local miss walks the configured upstreams and the
// winning response is written back in the background.
func (h *Handler) blob(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	digest := registry.PathVar(r, "digest")
	if err := validation.Digest(digest); err != nil {
		registry.WriteValidationError(w, err)
		return
	}
	key := blobKey(name, digest)

	if r.Method == http.MethodHead {
		md, err := h.deps.Store.Stat(r.Context(), key)
		if err != nil {
			registry.WriteStorageError(w, err)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(md.Size, 10))
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusOK)
		return
	}

	data, err := h.deps.Store.Get(r.Context(), key)
	if err == nil {
		h.deps.RecordHit("docker", blobArtifact(name, digest))
		w.Header().Set("Docker-Content-Digest", digest)
		registry.ServeBytes(w, r, "application/octet-stream", data)
		return
	}
	if !storage.IsNotFound(err) {
		registry.WriteStorageError(w, err)
		return
	}

	resp := h.proxyFetch(r.Context(), name, "/blobs/"+digest, nil)
	if resp == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.deps.RecordProxyFill("docker", blobArtifact(name, digest))
	h.writeBackBlob(key, resp.Body)
	w.Header().Set("Docker-Content-Digest", digest)
	registry.ServeBytes(w, r, "application/octet-stream", resp.Body)
}

func (h *Handler) getManifest(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	ref := registry.PathVar(r, "reference")
	if err := validation.Reference(ref); err != nil {
		registry.WriteValidationError(w, err)
		return
	}

	data, err := h.deps.Store.Get(r.Context(), manifestKey(name, ref))
	if err == nil {
		h.deps.RecordHit("docker", name+":"+ref)
		go h.touchMetadata(name, ref)
		h.writeManifest(w, r, data, DetectMediaType(data))
		return
	}
	if !storage.IsNotFound(err) {
		registry.WriteStorageError(w, err)
		return
	}

	resp := h.proxyFetch(r.Context(), name, "/manifests/"+ref, manifestAccept)
	if resp == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.deps.RecordProxyFill("docker", name+":"+ref)
	h.writeBackManifest(name, ref, resp.Body)

	contentType := resp.ContentType
	if contentType == "" {
		contentType = DetectMediaType(resp.Body)
	}
	h.writeManifest(w, r, resp.Body, contentType)
}

func (h *Handler) putManifest(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	ref := registry.PathVar(r, "reference")
	if err := validation.Reference(ref); err != nil {
		registry.WriteValidationError(w, err)
		return
	}
	body, ok := registry.ReadBody(w, r)
	if !ok {
		return
	}

	dgst := godigest.FromBytes(body).String()
	if err := h.storeManifest(r.Context(), name, ref, dgst, body); err != nil {
		registry.WriteStorageError(w, err)
		return
	}

	h.deps.RecordPush("docker", name+":"+ref)

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/manifests/%s", name, ref))
	w.Header().Set("Docker-Content-Digest", dgst)
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) startUpload(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	id := h.sessions.Create()
	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", "0-0")
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) patchUpload(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	id := registry.PathVar(r, "uuid")
	body, ok := registry.ReadBody(w, r)
	if !ok {
		return
	}

	total, found := h.sessions.Append(id, body)
	if !found {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/uploads/%s", name, id))
	w.Header().Set("Docker-Upload-UUID", id)
	w.Header().Set("Range", uploadRange(total))
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) putUpload(w http.ResponseWriter, r *http.Request) {
	name, ok := h.repoName(w, r)
	if !ok {
		return
	}
	digest := r.URL.Query().Get("digest")
	if err := validation.Digest(digest); err != nil {
		registry.WriteValidationError(w, err)
		return
	}
	body, ok := registry.ReadBody(w, r)
	if !ok {
		return
	}

	data, found := h.sessions.Take(registry.PathVar(r, "uuid"))
	if !found && len(body) == 0 {
		http.Error(w, "upload session not found", http.StatusNotFound)
		return
	}
	data = append(data, body...)

	if err := h.deps.Store.Put(r.Context(), blobKey(name, digest), data); err != nil {
		registry.WriteStorageError(w, err)
		return
	}

	h.deps.RecordPush("docker", blobArtifact(name, digest))

	w.Header().Set("Location", fmt.Sprintf("/v2/%s/blobs/%s", name, digest))
	w.Header().Set("Docker-Content-Digest", digest)
	w.WriteHeader(http.StatusCreated)
}

// proxyFetch walks the configured upstreams in order and returns the
// first successful response, or nil when every upstream failed.
func (h *Handler) proxyFetch(ctx context.Context, name, subpath string, accept []string) *upstream.Response {
	for _, upstreamURL := range h.upstreams {
		resp, err := h.client.fetch(ctx, upstreamURL, name, subpath, accept)
		if err != nil {
			h.logger.WithError(err).WithField("upstream", upstreamURL).Debug("upstream fetch failed")
			continue
		}
		return resp
	}
	return nil
}

// storeManifest writes the manifest under both the tag and digest keys
// together with their metadata sidecars.
func (h *Handler) storeManifest(ctx context.Context, name, ref, dgst string, body []byte) error {
	if err := h.deps.Store.Put(ctx, manifestKey(name, ref), body); err != nil {
		return err
	}
	if ref != dgst {
		if err := h.deps.Store.Put(ctx, manifestKey(name, dgst), body); err != nil {
			return err
		}
	}

	meta := h.extractMetadata(ctx, name, body)
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := h.deps.Store.Put(ctx, metaKey(name, ref), metaBytes); err != nil {
		return err
	}
	if ref != dgst {
		if err := h.deps.Store.Put(ctx, metaKey(name, dgst), metaBytes); err != nil {
			return err
		}
	}
	return nil
}

// writeBackBlob persists a proxied blob in the background. The client
// response has already been served; failures are only logged.
func (h *Handler) writeBackBlob(key string, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := h.deps.Store.Put(ctx, key, data); err != nil {
			h.logger.WithError(err).WithField("key", key).Warn("blob write-back failed")
			return
		}
		h.deps.Indexes.Invalidate("docker")
	}()
}

// writeBackManifest persists a proxied manifest under both keys plus
// metadata, in the background.
func (h *Handler) writeBackManifest(name, ref string, body []byte) {
	dgst := godigest.FromBytes(body).String()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := h.storeManifest(ctx, name, ref, dgst, body); err != nil {
			h.logger.WithError(err).WithField("name", name).Warn("manifest write-back failed")
			return
		}
		h.deps.Indexes.Invalidate("docker")
	}()
}

// touchMetadata bumps the pull counter in the metadata sidecar.
// Best-effort: a missing or unreadable sidecar is left alone.
func (h *Handler) touchMetadata(name, ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	data, err := h.deps.Store.Get(ctx, metaKey(name, ref))
	if err != nil {
		return
	}
	var meta ImageMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return
	}
	now := time.Now().UTC()
	meta.Downloads++
	meta.LastPulled = &now
	if updated, err := json.Marshal(&meta); err == nil {
		if err := h.deps.Store.Put(ctx, metaKey(name, ref), updated); err != nil {
			h.logger.WithError(err).Debug("metadata update failed")
		}
	}
}

func (h *Handler) writeManifest(w http.ResponseWriter, r *http.Request, body []byte, contentType string) {
	w.Header().Set("Docker-Content-Digest", godigest.FromBytes(body).String())
	registry.ServeBytes(w, r, contentType, body)
}

// repoName extracts and validates the repository name route variable.
func (h *Handler) repoName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := registry.PathVar(r, "name")
	if err := validation.DockerName(name); err != nil {
		registry.WriteValidationError(w, err)
		return "", false
	}
	return name, true
}

func manifestKey(name, ref string) string {
	return "docker/" + name + "/manifests/" + ref + ".json"
}

func metaKey(name, ref string) string {
	return "docker/" + name + "/manifests/" + ref + ".meta.json"
}

func blobKey(name, digest string) string {
	return "docker/" + name + "/blobs/" + digest
}

// blobArtifact is the activity display form of a blob: name@digest
// truncated to the algorithm prefix plus a few hex chars.
func blobArtifact(name, digest string) string {
	if len(digest) > 19 {
		digest = digest[:19]
	}
	return name + "@" + digest
}

// uploadRange renders the Range header for an upload of n bytes.
func uploadRange(n int) string {
	if n == 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", n-1)
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}


// Package pypi serves a PEP 503 simple index under /simple/ with a
// pull-through upstream. Package names are normalized before any
// storage lookup so all PEP 503 equivalent spellings share one prefix.
package pypi

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
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

var (
	normalizeRe = regexp.MustCompile(`[-_.]+`)
	hrefRe      = regexp.MustCompile(`href="([^"]+)"`)
	metadataRe  = regexp.MustCompile(`\s+data-(?:core-metadata|dist-info-metadata)="[^"]*"`)
)

// NormalizeName applies the PEP 503 name normalization: lowercase with
// runs of [-_.] collapsed to a single dash.
func NormalizeName(name string) string {
	return normalizeRe.ReplaceAllString(strings.ToLower(name), "-")
}

// Handler maps the simple index onto the pypi/ storage namespace.
type Handler struct {
	deps   *registry.Deps
	proxy  string
	client *upstream.Client
	logger *logrus.Entry
}

func New(deps *registry.Deps, cfg config.PypiConfig) *Handler {
	timeout := time.Duration(cfg.ProxyTimeout) * time.Second
	return &Handler{
		deps:   deps,
		proxy:  strings.TrimSuffix(cfg.Proxy, "/"),
		client: upstream.NewClient(timeout),
		logger: deps.Logger.WithField("registry", "pypi"),
	}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/simple/", h.rootIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/simple/{name}/", h.packageIndex).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/simple/{name}/{file}", h.packageFile).Methods(http.MethodGet, http.MethodHead)
}

// rootIndex lists the locally cached packages; with nothing cached yet
// it falls through to the upstream index.
func (h *Handler) rootIndex(w http.ResponseWriter, r *http.Request) {
	keys, err := h.deps.Store.List(r.Context(), "pypi/")
	if err == nil && len(keys) > 0 {
		seen := make(map[string]bool)
		var names []string
		for _, key := range keys {
			rest := strings.TrimPrefix(key, "pypi/")
			name, _, ok := strings.Cut(rest, "/")
			if ok && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		sort.Strings(names)

		var b strings.Builder
		b.WriteString("<!DOCTYPE html>\n<html>\n<body>\n")
		for _, name := range names {
			fmt.Fprintf(&b, "<a href=\"/simple/%s/\">%s</a><br/>\n", name, name)
		}
		b.WriteString("</body>\n</html>\n")
		registry.ServeBytes(w, r, "text/html", []byte(b.String()))
		return
	}

	if h.proxy == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp, err := h.client.GetShared(r.Context(), h.proxy+"/simple/")
	if err != nil || !resp.OK() {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	registry.ServeBytes(w, r, "text/html", resp.Body)
}

// packageIndex serves the per-package file list. Locally cached files
// win; otherwise the upstream page is fetched and its anchors are
// rewritten to point back at this server.
func (h *Handler) packageIndex(w http.ResponseWriter, r *http.Request) {
	name, ok := h.packageName(w, r)
	if !ok {
		return
	}

	keys, err := h.deps.Store.List(r.Context(), "pypi/"+name+"/")
	if err == nil && len(keys) > 0 {
		var b strings.Builder
		fmt.Fprintf(&b, "<!DOCTYPE html>\n<html>\n<head><title>Links for %s</title></head>\n<body>\n", name)
		for _, key := range keys {
			file := key[strings.LastIndex(key, "/")+1:]
			fmt.Fprintf(&b, "<a href=\"/simple/%s/%s\">%s</a><br/>\n", name, file, file)
		}
		b.WriteString("</body>\n</html>\n")
		h.deps.RecordHit("pypi", name)
		registry.ServeBytes(w, r, "text/html", []byte(b.String()))
		return
	}

	page, ok2 := h.fetchUpstreamIndex(r.Context(), name)
	if !ok2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.deps.RecordProxyFill("pypi", name)
	registry.ServeBytes(w, r, "text/html", rewriteLinks(page, name))
}

// packageFile serves one distribution file, filling the cache from the
// upstream on a miss by resolving the filename through the upstream
// index page.
func (h *Handler) packageFile(w http.ResponseWriter, r *http.Request) {
	name, ok := h.packageName(w, r)
	if !ok {
		return
	}
	file := registry.PathVar(r, "file")
	key := "pypi/" + name + "/" + file
	if err := validation.StorageKey(key); err != nil {
		registry.WriteValidationError(w, err)
		return
	}

	data, err := h.deps.Store.Get(r.Context(), key)
	if err == nil {
		h.deps.RecordHit("pypi", file)
		registry.ServeBytes(w, r, "application/octet-stream", data)
		return
	}

	page, ok2 := h.fetchUpstreamIndex(r.Context(), name)
	if !ok2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	fileURL := findFileHref(page, file)
	if fileURL == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	resp, err := h.client.GetShared(r.Context(), fileURL)
	if err != nil || !resp.OK() {
		if err != nil {
			h.logger.WithError(err).WithField("url", fileURL).Debug("upstream fetch failed")
		}
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	h.writeBack(key, resp.Body)
	h.deps.RecordProxyFill("pypi", file)

	contentType := resp.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	registry.ServeBytes(w, r, contentType, resp.Body)
}

func (h *Handler) fetchUpstreamIndex(ctx context.Context, name string) ([]byte, bool) {
	if h.proxy == "" {
		return nil, false
	}
	resp, err := h.client.GetShared(ctx, h.proxy+"/simple/"+name+"/")
	if err != nil || !resp.OK() {
		if err != nil {
			h.logger.WithError(err).WithField("package", name).Debug("upstream index fetch failed")
		}
		return nil, false
	}
	return resp.Body, true
}

func (h *Handler) writeBack(key string, data []byte) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
		defer cancel()
		if err := h.deps.Store.Put(ctx, key, data); err != nil {
			h.logger.WithError(err).WithField("key", key).Warn("write-back failed")
			return
		}
		h.deps.Indexes.Invalidate("pypi")
	}()
}

// packageName extracts and normalizes the package route variable.
func (h *Handler) packageName(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := NormalizeName(registry.PathVar(r, "name"))
	if err := validation.StorageKey("pypi/" + name); err != nil {
		registry.WriteValidationError(w, err)
		return "", false
	}
	return name, true
}

// rewriteLinks points every file anchor of an upstream index page back
// at this server and drops the metadata hash attributes, which would
// otherwise reference upstream checksums for URLs we rewrote.
func rewriteLinks(page []byte, name string) []byte {
	rewritten := hrefRe.ReplaceAllFunc(page, func(match []byte) []byte {
		url := string(match[len(`href="`) : len(match)-1])
		file := fileNameFromURL(url)
		if file == "" {
			return match
		}
		return []byte(fmt.Sprintf(`href="/simple/%s/%s"`, name, file))
	})
	return metadataRe.ReplaceAll(rewritten, nil)
}

// findFileHref returns the upstream URL of the anchor whose filename
// matches, or empty when the page has no such file.
func findFileHref(page []byte, file string) string {
	for _, match := range hrefRe.FindAllSubmatch(page, -1) {
		url := string(match[1])
		if fileNameFromURL(url) == file {
			if i := strings.IndexAny(url, "#?"); i >= 0 {
				url = url[:i]
			}
			return url
		}
	}
	return ""
}

// fileNameFromURL extracts the trailing path segment, dropping any
// fragment or query.
func fileNameFromURL(url string) string {
	if i := strings.IndexAny(url, "#?"); i >= 0 {
		url = url[:i]
	}
	return url[strings.LastIndex(url, "/")+1:]
}

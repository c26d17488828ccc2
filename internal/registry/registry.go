// Package registry holds the collaborators and helpers shared by the
// protocol adapters.
package registry

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/devitway/nora/internal/activity"
	"github.com/devitway/nora/internal/index"
	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/internal/storage"
)

// Deps bundles what every adapter needs: the validated storage handle,
// the activity log, the dashboard counters and the repository indexes.
type Deps struct {
	Store     storage.Backend
	Activity  *activity.Log
	Dashboard *metrics.Dashboard
	Indexes   *index.Set
	Logger    *logrus.Logger
}

// RecordHit books a download served from local storage that a proxy
// could have had to fill.
func (d *Deps) RecordHit(registryName, artifact string) {
	d.Dashboard.RecordCacheHit()
	d.Dashboard.RecordDownload(registryName)
	metrics.RecordCacheResult(registryName, true)
	d.Activity.Record(activity.ActionCacheHit, artifact, registryName, activity.SourceCache)
}

// RecordProxyFill books a download that went to an upstream.
func (d *Deps) RecordProxyFill(registryName, artifact string) {
	d.Dashboard.RecordCacheMiss()
	d.Dashboard.RecordDownload(registryName)
	metrics.RecordCacheResult(registryName, false)
	d.Activity.Record(activity.ActionProxyFetch, artifact, registryName, activity.SourceProxy)
}

// RecordLocalPull books a download from an adapter with no upstream.
func (d *Deps) RecordLocalPull(registryName, artifact string) {
	d.Dashboard.RecordDownload(registryName)
	d.Activity.Record(activity.ActionPull, artifact, registryName, activity.SourceLocal)
}

// RecordPush books an upload.
func (d *Deps) RecordPush(registryName, artifact string) {
	d.Dashboard.RecordUpload(registryName)
	d.Activity.Record(activity.ActionPush, artifact, registryName, activity.SourceLocal)
	d.Indexes.Invalidate(registryName)
}

// PathVar returns the decoded route variable. The router matches on
// the escaped path so traversal attempts survive into the validators
// instead of being silently cleaned away.
func PathVar(r *http.Request, name string) string {
	raw := mux.Vars(r)[name]
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// ReadBody drains the request body, answering 413 when the global
// size cap cut it off.
func ReadBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
		}
		return nil, false
	}
	return data, true
}

// WriteStorageError maps a storage failure onto the bare status codes
// the adapters respond with.
func WriteStorageError(w http.ResponseWriter, err error) {
	switch status := storage.HTTPStatus(err); status {
	case http.StatusNotFound:
		http.Error(w, "not found", status)
	case http.StatusBadRequest:
		http.Error(w, err.Error(), status)
	default:
		http.Error(w, "storage error", status)
	}
}

// WriteValidationError answers 400 with the validator's message.
func WriteValidationError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// ServeBytes writes a complete response. HEAD requests get the
// headers only.
func ServeBytes(w http.ResponseWriter, r *http.Request, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(data)
	}
}

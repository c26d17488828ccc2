package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/devitway/nora/internal/metrics"
	"github.com/devitway/nora/pkg/version"
)

type storageHealth struct {
	Backend   string `json:"backend"`
	Reachable bool   `json:"reachable"`
	Endpoint  string `json:"endpoint"`
}

type healthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Storage       storageHealth `json:"storage"`
	Registries    []string      `json:"registries"`
}

// health reports overall service state; an unreachable storage backend
// degrades the status and the response code.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	reachable := s.deps.Store.HealthCheck(r.Context())

	endpoint := s.cfg.Storage.Path
	if s.cfg.Storage.Mode == "s3" {
		endpoint = s.cfg.Storage.S3URL
	}

	resp := healthResponse{
		Status:        "ok",
		Version:       version.Version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Storage: storageHealth{
			Backend:   s.deps.Store.BackendName(),
			Reachable: reachable,
			Endpoint:  endpoint,
		},
		Registries: metrics.Registries,
	}
	status := http.StatusOK
	if !reachable {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// ready answers with a naked status code for load balancer probes.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Store.HealthCheck(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/devitway/nora/internal/index"
)

// registerUI mounts the JSON endpoints backing the web dashboard.
func (s *Server) registerUI(r *mux.Router) {
	r.HandleFunc("/api/ui/repos/{registry}", s.uiRepos).Methods(http.MethodGet)
	r.HandleFunc("/api/ui/activity", s.uiActivity).Methods(http.MethodGet)
	r.HandleFunc("/api/ui/metrics", s.uiMetrics).Methods(http.MethodGet)
}

type reposResponse struct {
	Repos []index.RepoInfo `json:"repos"`
	Total int              `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

func (s *Server) uiRepos(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["registry"]
	idx := s.deps.Indexes.For(name)
	if idx == nil {
		http.Error(w, "unknown registry", http.StatusNotFound)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	repos, err := idx.Get(r.Context(), s.deps.Store)
	if err != nil {
		http.Error(w, "failed to list repositories", http.StatusInternalServerError)
		return
	}
	window, total := index.Paginate(repos, page, limit)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = index.DefaultPageLimit
	}
	if window == nil {
		window = []index.RepoInfo{}
	}

	writeUIJSON(w, reposResponse{Repos: window, Total: total, Page: page, Limit: limit})
}

func (s *Server) uiActivity(w http.ResponseWriter, r *http.Request) {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if n < 1 {
		n = 20
	}
	writeUIJSON(w, map[string]any{"events": s.deps.Activity.Recent(n)})
}

func (s *Server) uiMetrics(w http.ResponseWriter, r *http.Request) {
	writeUIJSON(w, s.deps.Dashboard.Snapshot())
}

func writeUIJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

package auth

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// TokenAPI serves the token management endpoints. The routes are on
// the public allowlist; each request authenticates with htpasswd
// credentials carried in the JSON body.
type TokenAPI struct {
	htpasswd *Htpasswd
	tokens   *TokenStore
	logger   *logrus.Entry
}

// NewTokenAPI builds the token management handlers.
func NewTokenAPI(htpasswd *Htpasswd, tokens *TokenStore, logger *logrus.Logger) *TokenAPI {
	return &TokenAPI{
		htpasswd: htpasswd,
		tokens:   tokens,
		logger:   logger.WithField("component", "token-api"),
	}
}

// Register mounts the token API routes.
func (a *TokenAPI) Register(r *mux.Router) {
	r.HandleFunc("/api/tokens", a.create).Methods(http.MethodPost)
	r.HandleFunc("/api/tokens/list", a.list).Methods(http.MethodPost)
	r.HandleFunc("/api/tokens/revoke", a.revoke).Methods(http.MethodPost)
}

type credentialRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	TTLDays     int    `json:"ttl_days"`
	Description string `json:"description"`
	HashPrefix  string `json:"hash_prefix"`
}

func (a *TokenAPI) create(w http.ResponseWriter, r *http.Request) {
	req, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	ttl := req.TTLDays
	if ttl <= 0 {
		ttl = 30
	}
	token, err := a.tokens.Create(req.Username, ttl, req.Description)
	if err != nil {
		a.logger.WithError(err).Error("token creation failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":           token,
		"expires_in_days": ttl,
	})
}

func (a *TokenAPI) list(w http.ResponseWriter, r *http.Request) {
	req, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	infos, err := a.tokens.List(req.Username)
	if err != nil {
		a.logger.WithError(err).Error("token listing failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": infos})
}

func (a *TokenAPI) revoke(w http.ResponseWriter, r *http.Request) {
	req, ok := a.authenticate(w, r)
	if !ok {
		return
	}

	revoked, err := a.tokens.Revoke(req.HashPrefix)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid hash prefix")
		return
	}
	if !revoked {
		writeJSONError(w, http.StatusNotFound, "token not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// authenticate decodes the request body and checks the embedded
// credentials against the htpasswd file.
func (a *TokenAPI) authenticate(w http.ResponseWriter, r *http.Request) (*credentialRequest, bool) {
	var req credentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if !a.htpasswd.Authenticate(req.Username, req.Password) {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
)

// publicExact are paths that never require credentials.
var publicExact = map[string]bool{
	"/":        true,
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
	"/v2":      true,
	"/v2/":     true,
}

// publicPrefixes are path prefixes that never require credentials. The
// token API authenticates with credentials carried in the body.
var publicPrefixes = []string{"/ui", "/api-docs", "/api/ui", "/api/tokens"}

// Middleware dispatches Authorization headers to the token store
// (Bearer) or the htpasswd file (Basic).
type Middleware struct {
	enabled  bool
	htpasswd *Htpasswd
	tokens   *TokenStore
	logger   *logrus.Entry
}

// NewMiddleware builds the authentication middleware. With enabled set
// to false every request passes.
func NewMiddleware(enabled bool, htpasswd *Htpasswd, tokens *TokenStore, logger *logrus.Logger) *Middleware {
	return &Middleware{
		enabled:  enabled,
		htpasswd: htpasswd,
		tokens:   tokens,
		logger:   logger.WithField("component", "auth"),
	}
}

// Wrap returns next guarded by the authentication chain.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.enabled || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		switch {
		case strings.HasPrefix(header, "Bearer "):
			token := strings.TrimPrefix(header, "Bearer ")
			username, err := m.tokens.Verify(token)
			if err != nil {
				m.logger.WithError(err).Debug("bearer token rejected")
				writeUnauthorized(w, "invalid or expired token")
				return
			}
			m.logger.WithField("user", username).Debug("bearer auth ok")
		case strings.HasPrefix(header, "Basic "):
			username, password, ok := r.BasicAuth()
			if !ok || !m.htpasswd.Authenticate(username, password) {
				writeUnauthorized(w, "invalid credentials")
				return
			}
			m.logger.WithField("user", username).Debug("basic auth ok")
		default:
			writeUnauthorized(w, "authentication required")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isPublicPath(path string) bool {
	if publicExact[path] {
		return true
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Www-Authenticate", `Basic realm="Nora"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
